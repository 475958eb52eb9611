// Package postgres implements the pull broker contract as a lease queue in
// PostgreSQL. Receive leases rows with FOR UPDATE SKIP LOCKED and stamps a
// fresh UUID lock token; a lease expires when visible_at passes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/logging"
)

const (
	// DefaultSchema holds the queue tables.
	DefaultSchema = "gridflow"
	// DefaultPollInterval is how often Receive re-checks an empty queue.
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultLockDuration is the lease length.
	DefaultLockDuration = 30 * time.Second
)

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DB is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Options configure a Broker.
type Options struct {
	Schema       string
	PollInterval time.Duration
	LockDuration time.Duration
	Logger       logging.ServiceLogger
}

func (o Options) withDefaults() Options {
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	return o
}

// DeadLetter is a rejected event.
type DeadLetter struct {
	ID            int64
	Body          []byte
	Schema        envelope.Schema
	DeliveryCount int
	RejectedAt    time.Time
}

// Broker implements broker.Client on PostgreSQL.
type Broker struct {
	db      DB
	opts    Options
	logger  logging.ServiceLogger
	closeFn func()
}

var (
	_ broker.Client = (*Broker)(nil)
	_ broker.Closer = (*Broker)(nil)
)

// Open connects a pgx pool to url.
func Open(ctx context.Context, url string, opts Options) (*Broker, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	b, err := New(pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.closeFn = pool.Close
	return b, nil
}

// New wraps an existing connection or pool.
func New(db DB, opts Options) (*Broker, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	opts = opts.withDefaults()
	if !schemaName.MatchString(opts.Schema) {
		return nil, fmt.Errorf("postgres: invalid schema name %q", opts.Schema)
	}
	return &Broker{
		db:     db,
		opts:   opts,
		logger: opts.Logger.With(logging.LogFields{"broker": "postgres", "schema": opts.Schema}),
	}, nil
}

// Close releases the pool opened by Open. Connections passed to New are left
// to the caller.
func (b *Broker) Close() error {
	if b.closeFn != nil {
		b.closeFn()
	}
	return nil
}

func (b *Broker) sql(query string) string {
	return fmt.Sprintf(query, b.opts.Schema)
}

// EnsureSchema creates the queue tables if they do not exist.
func (b *Broker) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, b.sql(schemaDDL)); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Enqueue stores body for a subscription and returns its row id.
func (b *Broker) Enqueue(ctx context.Context, topic, subscription string, body []byte, schema envelope.Schema) (int64, error) {
	rows, err := b.db.Query(ctx, b.sql(enqueueSQL), topic, subscription, body, schemaHint(schema))
	if err != nil {
		return 0, classify("enqueue", err)
	}
	defer rows.Close()
	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("postgres: enqueue: %w", err)
		}
	}
	return id, rows.Err()
}

// Receive leases up to maxEvents visible rows, polling until maxWait elapses.
func (b *Broker) Receive(ctx context.Context, topic, subscription string, maxEvents int, maxWait time.Duration) ([]broker.ReceivedEvent, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		events, err := b.lease(ctx, topic, subscription, maxEvents)
		if err != nil || len(events) > 0 {
			return events, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (b *Broker) lease(ctx context.Context, topic, subscription string, maxEvents int) ([]broker.ReceivedEvent, error) {
	rows, err := b.db.Query(ctx, b.sql(leaseSQL), topic, subscription, maxEvents, float64(b.opts.LockDuration.Milliseconds()))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("receive", err)
	}
	defer rows.Close()

	var events []broker.ReceivedEvent
	for rows.Next() {
		var (
			ev   broker.ReceivedEvent
			hint string
		)
		if err := rows.Scan(&ev.LockToken, &ev.Body, &ev.DeliveryCount, &hint); err != nil {
			return nil, fmt.Errorf("postgres: scan lease: %w", err)
		}
		ev.Schema, _ = envelope.ParseSchema(hint)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("receive", err)
	}
	return events, nil
}

// resolve runs query for the valid tokens and reports those it did not
// return as not found. Malformed tokens never reach the database.
func (b *Broker) resolve(ctx context.Context, op, query string, tokens []string, args ...any) (broker.ResolveResult, error) {
	var res broker.ResolveResult
	valid := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, err := uuid.Parse(token); err != nil {
			res.Fail(token, broker.ErrLockTokenNotFound)
			continue
		}
		valid = append(valid, token)
	}
	if len(valid) == 0 {
		return res, nil
	}

	rows, err := b.db.Query(ctx, b.sql(query), append(args, valid)...)
	if err != nil {
		return res, classify(op, err)
	}
	defer rows.Close()

	done := make(map[string]struct{}, len(valid))
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return res, fmt.Errorf("postgres: %s: %w", op, err)
		}
		done[token] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return res, classify(op, err)
	}

	for _, token := range valid {
		if _, ok := done[token]; ok {
			res.Succeeded = append(res.Succeeded, token)
			continue
		}
		res.Fail(token, broker.ErrLockTokenNotFound)
	}
	return res, nil
}

// Acknowledge deletes leased rows.
func (b *Broker) Acknowledge(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	return b.resolve(ctx, "acknowledge", ackSQL, lockTokens, topic, subscription)
}

// Release ends the lease and hides the row for delay.
func (b *Broker) Release(ctx context.Context, topic, subscription string, lockTokens []string, delay time.Duration) (broker.ResolveResult, error) {
	return b.resolve(ctx, "release", releaseSQL, lockTokens, topic, subscription, float64(max(delay, 0).Milliseconds()))
}

// Reject moves leased rows to the dead-letter table.
func (b *Broker) Reject(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	res, err := b.resolve(ctx, "reject", rejectSQL, lockTokens, topic, subscription)
	if len(res.Succeeded) > 0 {
		b.logger.Debug("Moved events to dead letters", logging.LogFields{
			"topic":        topic,
			"subscription": subscription,
			"count":        len(res.Succeeded),
		})
	}
	return res, err
}

// Pending counts rows not yet acknowledged or rejected.
func (b *Broker) Pending(ctx context.Context, topic, subscription string) (int64, error) {
	rows, err := b.db.Query(ctx, b.sql(pendingSQL), topic, subscription)
	if err != nil {
		return 0, classify("pending", err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// DeadLetters lists the most recent rejected events.
func (b *Broker) DeadLetters(ctx context.Context, topic, subscription string, limit int) ([]DeadLetter, error) {
	rows, err := b.db.Query(ctx, b.sql(deadLettersSQL), topic, subscription, max(limit, 1))
	if err != nil {
		return nil, classify("dead letters", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var (
			dl   DeadLetter
			hint string
		)
		if err := rows.Scan(&dl.ID, &dl.Body, &hint, &dl.DeliveryCount, &dl.RejectedAt); err != nil {
			return nil, err
		}
		dl.Schema, _ = envelope.ParseSchema(hint)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func schemaHint(s envelope.Schema) string {
	if s == envelope.SchemaAuto {
		return ""
	}
	return s.String()
}

// classify treats connection failures, serialization conflicts and resource
// exhaustion as transient.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return broker.Transient(op, err)
		}
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	return broker.Transient(op, err)
}
