package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/broker/memory"
	"github.com/drblury/gridflow/broker/postgres"
	"github.com/drblury/gridflow/broker/pubsub"
	"github.com/drblury/gridflow/broker/sqs"
	configpkg "github.com/drblury/gridflow/internal/runtime/config"
	loggingpkg "github.com/drblury/gridflow/internal/runtime/logging"

	// Registers the channel, kafka, rabbitmq and nats transports used by the
	// watermill broker.
	_ "github.com/drblury/gridflow/transport/transports"
)

// BrokerFactory opens the pull broker client for a configuration.
type BrokerFactory func(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (broker.Client, error)

// OpenBroker is the default BrokerFactory. It selects the adapter from
// conf.Broker and returns nil when pull delivery is disabled.
func OpenBroker(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (broker.Client, error) {
	switch strings.ToLower(conf.Broker) {
	case "":
		return nil, nil
	case configpkg.BrokerMemory:
		return memory.New(memory.Options{LockDuration: conf.LockDuration}), nil
	case configpkg.BrokerSQS:
		b, err := sqs.Open(ctx, sqs.Config{
			Region:          conf.AWSRegion,
			AccountID:       conf.AWSAccountID,
			AccessKeyID:     conf.AWSAccessKeyID,
			SecretAccessKey: conf.AWSSecretAccessKey,
			Endpoint:        conf.AWSEndpoint,
		}, sqs.Options{
			PoisonQueue:       conf.PoisonTopic,
			AccountID:         conf.AWSAccountID,
			VisibilityTimeout: conf.LockDuration,
			Logger:            log,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case configpkg.BrokerPostgres:
		b, err := postgres.Open(ctx, conf.PostgresURL, postgres.Options{
			LockDuration: conf.LockDuration,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		if err := b.EnsureSchema(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	case configpkg.BrokerWatermill:
		b, err := pubsub.Open(ctx, conf, pubsub.Options{
			PoisonTopic: conf.PoisonTopic,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", conf.Broker)
	}
}
