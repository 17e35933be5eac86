package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcmesh/transport"
	"github.com/drblury/rpcmesh/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })

	transport.DefaultRegistry = transport.NewRegistry()
	Register()
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

// stubFactories replaces every factory for the duration of the test.
func stubFactories(t *testing.T, pub message.Publisher, sub message.Subscriber, subErr error) *[]string {
	t.Helper()
	originalLoader := DefaultConfigLoader
	originalResolver := TopicResolverFactory
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	var accounts []string
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (sns.TopicResolver, error) {
		accounts = append(accounts, accountID+"/"+region)
		return sns.NewGenerateArnTopicResolver(accountID, region)
	}
	PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, _ sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		if subErr != nil {
			return nil, subErr
		}
		return sub, nil
	}
	return &accounts
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		accounts := stubFactories(t, pub, sub, nil)

		cfg := &transporttest.Config{Name: "audit", AWSRegion: "eu-west-1", AWSAccountID: "123456789012"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.Equal(t, []string{"123456789012/eu-west-1"}, *accounts)
	})

	t.Run("falls back to the LocalStack account with a custom endpoint", func(t *testing.T) {
		accounts := stubFactories(t, &transporttest.Publisher{}, &transporttest.Subscriber{}, nil)

		cfg := &transporttest.Config{AWSEndpoint: "http://localhost:4566"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, []string{"000000000000/us-east-1"}, *accounts)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		original := DefaultConfigLoader
		t.Cleanup(func() { DefaultConfigLoader = original })
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("rejects an invalid endpoint", func(t *testing.T) {
		stubFactories(t, &transporttest.Publisher{}, &transporttest.Subscriber{}, nil)

		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "failed to parse AWS endpoint")
	})

	t.Run("closes the publisher when the subscriber fails", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		stubFactories(t, pub, nil, errors.New("subscriber error"))

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "rpcmesh-events", SanitizeName("rpcmesh.events"))
	assert.Equal(t, "users_v2-x", SanitizeName("users_v2:x"))
}

func TestQueueNames(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:rpcmesh-events")

	name, err := queueNameGenerator("audit.v1")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "rpcmesh-events_audit-v1", name)

	name, err = queueNameGenerator("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "rpcmesh-events", name)
}

type recordingResolver struct{ topics []string }

func (r *recordingResolver) ResolveTopic(_ context.Context, topic string) (sns.TopicArn, error) {
	r.topics = append(r.topics, topic)
	return sns.TopicArn("arn:aws:sns:us-east-1:000000000000:" + topic), nil
}

func TestTopicNamesSanitizes(t *testing.T) {
	inner := &recordingResolver{}
	arn, err := topicNames{inner}.ResolveTopic(context.Background(), "rpcmesh.events")
	require.NoError(t, err)
	assert.Equal(t, []string{"rpcmesh-events"}, inner.topics)
	assert.Equal(t, sns.TopicArn("arn:aws:sns:us-east-1:000000000000:rpcmesh-events"), arn)
}
