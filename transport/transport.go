// Package transport defines the event sink abstraction of rpcmesh. Published
// events are mirrored onto a Watermill publisher so systems outside the mesh
// can observe them, and a service may consume the same topic back into its
// event handlers. Each sink implementation (kafka, rabbitmq, nats, ...) lives
// in its own sub-package and registers itself with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides, returning the first error.
func (t Transport) Close() error {
	var first error
	if t.Publisher != nil {
		first = t.Publisher.Close()
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetEventSink returns the transport name.
	GetEventSink() string
	// GetName returns the service name, used to name per-service queues.
	GetName() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS SNS/SQS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
