package postgres

// Statements take the schema name through %[1]s.

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.events (
	id             BIGSERIAL PRIMARY KEY,
	topic          TEXT        NOT NULL,
	subscription   TEXT        NOT NULL,
	body           BYTEA       NOT NULL,
	schema_hint    TEXT        NOT NULL DEFAULT '',
	delivery_count INT         NOT NULL DEFAULT 0,
	visible_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	lock_token     UUID,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS events_visible_idx
	ON %[1]s.events (topic, subscription, visible_at);

CREATE UNIQUE INDEX IF NOT EXISTS events_lock_token_idx
	ON %[1]s.events (lock_token) WHERE lock_token IS NOT NULL;

CREATE TABLE IF NOT EXISTS %[1]s.dead_letters (
	id             BIGINT PRIMARY KEY,
	topic          TEXT        NOT NULL,
	subscription   TEXT        NOT NULL,
	body           BYTEA       NOT NULL,
	schema_hint    TEXT        NOT NULL DEFAULT '',
	delivery_count INT         NOT NULL,
	lock_token     UUID,
	rejected_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS dead_letters_topic_idx
	ON %[1]s.dead_letters (topic, subscription, rejected_at);
`

const enqueueSQL = `
INSERT INTO %[1]s.events (topic, subscription, body, schema_hint)
VALUES ($1, $2, $3, $4)
RETURNING id`

const leaseSQL = `
WITH next AS (
	SELECT id FROM %[1]s.events
	WHERE topic = $1 AND subscription = $2 AND visible_at <= now()
	ORDER BY visible_at, id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s.events e
SET lock_token     = gen_random_uuid(),
	delivery_count = e.delivery_count + 1,
	visible_at     = now() + $4::float8 * interval '1 millisecond'
FROM next
WHERE e.id = next.id
RETURNING e.lock_token::text, e.body, e.delivery_count, e.schema_hint`

const ackSQL = `
DELETE FROM %[1]s.events
WHERE topic = $1 AND subscription = $2 AND lock_token = ANY($3::uuid[]) AND visible_at > now()
RETURNING lock_token::text`

const releaseSQL = `
WITH target AS (
	SELECT id, lock_token FROM %[1]s.events
	WHERE topic = $1 AND subscription = $2 AND lock_token = ANY($4::uuid[]) AND visible_at > now()
	FOR UPDATE
)
UPDATE %[1]s.events e
SET lock_token = NULL,
	visible_at = now() + $3::float8 * interval '1 millisecond'
FROM target
WHERE e.id = target.id
RETURNING target.lock_token::text`

const rejectSQL = `
WITH moved AS (
	DELETE FROM %[1]s.events
	WHERE topic = $1 AND subscription = $2 AND lock_token = ANY($3::uuid[]) AND visible_at > now()
	RETURNING id, topic, subscription, body, schema_hint, delivery_count, lock_token
)
INSERT INTO %[1]s.dead_letters (id, topic, subscription, body, schema_hint, delivery_count, lock_token)
SELECT id, topic, subscription, body, schema_hint, delivery_count, lock_token FROM moved
RETURNING lock_token::text`

const pendingSQL = `
SELECT count(*) FROM %[1]s.events WHERE topic = $1 AND subscription = $2`

const deadLettersSQL = `
SELECT id, body, schema_hint, delivery_count, rejected_at
FROM %[1]s.dead_letters
WHERE topic = $1 AND subscription = $2
ORDER BY rejected_at DESC
LIMIT $3`
