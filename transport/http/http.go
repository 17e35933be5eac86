// Package http provides an HTTP event sink and the publisher that fans events
// out to broker listener channels.
package http

import (
	"bytes"
	"context"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rpcmesh/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.Register(TransportName, Build)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := strings.TrimRight(cfg.GetHTTPPublisherURL(), "/")

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topicPath(topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	// Start HTTP server in background if subscriber is the right type
	go func() {
		if s, ok := subscriber.(*http.Subscriber); ok {
			if err := s.StartHTTPServer(); err != nil {
				logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}
	}()

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: pathSubscriber{subscriber},
	}, nil
}

// pathSubscriber maps topics onto URL paths of the subscriber server.
type pathSubscriber struct {
	message.Subscriber
}

func (s pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, topicPath(topic))
}

func topicPath(topic string) string {
	if strings.HasPrefix(topic, "/") {
		return topic
	}
	return "/" + topic
}

// BrokerPublishTimeout bounds the delivery of one event to one listener.
const BrokerPublishTimeout = time.Minute

// NewBrokerPublisher returns a publisher that delivers every message as an
// asynchronous POST to its topic, which must be the full listener channel
// URL. Publish fails for replies with status >= 400.
func NewBrokerPublisher(timeout time.Duration, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if timeout <= 0 {
		timeout = BrokerPublishTimeout
	}
	return PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc:                MarshalBrokerMessage,
			Client:                            &nethttp.Client{Timeout: timeout},
			DoNotLogResponseBodyOnServerError: true,
		},
		logger,
	)
}

// MarshalBrokerMessage encodes msg as the raw JSON body of a broker call.
// Metadata is not forwarded; the event already carries it in its payload.
func MarshalBrokerMessage(url string, msg *message.Message) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(msg.Context(), nethttp.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("type", "async")
	return req, nil
}
