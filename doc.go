// Package gridflow delivers domain events from a cloud event broker to typed
// Go handlers. It accepts both the CloudEvents 1.0 JSON layout and the legacy
// grid event layout, in pull mode (a consumer loop that leases events with
// lock tokens) and in push mode (an HTTP webhook the broker POSTs to).
//
// Every event, whatever its delivery mode, runs through the same pipeline:
// behaviors for correlation ids, tracing, metrics, logging, job hooks, panic
// recovery and validation wrap the handler dispatch, and the result is an
// Outcome (Success, Failed, Released or Rejected). Pull consumers turn
// outcomes into acknowledge, release (with exponential backoff) and reject
// calls; the webhook turns them into HTTP status codes.
//
// A minimal setup fills Config, creates a Service, registers handlers with
// RegisterHandler and calls Start.
//
// # Brokers
//
// Config.Broker selects the pull adapter:
//   - memory: in-process queue with lock tokens, for tests and local runs
//   - sqs: AWS SQS, receipt handles as lock tokens
//   - postgres: a lease table using FOR UPDATE SKIP LOCKED
//   - watermill: any Watermill transport (channel, kafka, rabbitmq, nats)
//     picked by Config.PubSubSystem
//
// ServiceDependencies.Client or BrokerFactory plug in any other broker.Client.
//
// # Behaviors
//
// DefaultBehaviors returns the standard chain. Extra behaviors are appended
// through ServiceDependencies.Behaviors, and DisableDefaultBehaviors drops the
// defaults entirely.
//
// # Job Hooks
//
// ServiceDependencies.JobHooks receives OnJobStart, OnJobDone and OnJobError
// callbacks for custom logging, metrics collection, and alerting around
// handler execution. The same hooks feed the per-route stats served by the
// web UI on /api/handlers.
package gridflow
