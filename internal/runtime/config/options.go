package config

import "time"

// Option overrides one field. Options that are never passed leave the
// defaults alone; an option passed with an empty value is applied as given.
type Option func(*Config)

// Apply runs opts over c and returns c.
func (c *Config) Apply(opts ...Option) *Config {
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithName(name string) Option       { return func(c *Config) { c.Name = name } }
func WithVersion(version string) Option { return func(c *Config) { c.Version = version } }

// WithConnection sets a static broker URL.
func WithConnection(conn string) Option {
	return func(c *Config) {
		c.Connection = conn
		c.IsSRV = false
	}
}

// WithSRV resolves the broker address from name on first use.
func WithSRV(name string) Option {
	return func(c *Config) {
		c.Connection = name
		c.IsSRV = true
	}
}

func WithWorkers(n int) Option      { return func(c *Config) { c.Workers = n } }
func WithEventWorkers(n int) Option { return func(c *Config) { c.EventWorkers = n } }

func WithEventWorkerTimeout(d time.Duration) Option {
	return func(c *Config) { c.EventWorkerTimeout = d }
}

func WithRemoteMiddlewareEndpoint(enabled bool) Option {
	return func(c *Config) { c.HasRemoteMiddlewareEndpoint = enabled }
}

// WithAutoRegistrationGateway names the gateway a worker announces itself to.
// An empty name disables auto-registration.
func WithAutoRegistrationGateway(gateway string) Option {
	return func(c *Config) { c.AutoRegistrationGateway = gateway }
}

func WithListener(addr string) Option              { return func(c *Config) { c.Listener = addr } }
func WithReqTimeout(d time.Duration) Option        { return func(c *Config) { c.ReqTimeout = d } }
func WithRoute(route string) Option                { return func(c *Config) { c.Route = route } }
func WithInfoRoute(route string) Option            { return func(c *Config) { c.InfoRoute = route } }
func WithAutoRegistration(enabled bool) Option     { return func(c *Config) { c.HasAutoRegistration = enabled } }
func WithBatchLimit(limit int) Option              { return func(c *Config) { c.BatchLimit = limit } }
func WithCompression(enabled bool) Option          { return func(c *Config) { c.DisableCompression = !enabled } }
func WithSocketPath(path string) Option            { return func(c *Config) { c.SocketPath = path } }
func WithRoomExpiration(d time.Duration) Option    { return func(c *Config) { c.RoomExpiration = d } }
func WithRoomSecret(secret string) Option          { return func(c *Config) { c.RoomSecret = secret } }
func WithMetrics(enabled bool) Option              { return func(c *Config) { c.MetricsEnabled = enabled } }
func WithEventSinkConsumer(enabled bool) Option    { return func(c *Config) { c.EventSinkConsume = enabled } }
func WithJSONBodyLimit(limit int64) Option         { return func(c *Config) { c.JSONBodyLimit = limit } }
func WithEventSinkTopic(topic string) Option       { return func(c *Config) { c.EventSinkTopic = topic } }
func WithAutoRegistrationEndpoint(m string) Option { return func(c *Config) { c.AutoRegistrationEndpoint = m } }

// WithRateLimit enables the ingress limiter at rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Config) {
		c.RateLimit = rps
		c.RateBurst = burst
	}
}

// WithEtcd resolves the broker address from key in etcd.
func WithEtcd(endpoints []string, key string) Option {
	return func(c *Config) {
		c.EtcdEndpoints = endpoints
		c.EtcdKey = key
		c.IsSRV = true
	}
}

// WithEventSink mirrors published events onto the named transport.
func WithEventSink(name string) Option { return func(c *Config) { c.EventSink = name } }

func WithKafka(brokers []string, group string) Option {
	return func(c *Config) {
		c.KafkaBrokers = brokers
		c.KafkaConsumerGroup = group
	}
}

func WithRabbitMQ(url string) Option { return func(c *Config) { c.RabbitMQURL = url } }
func WithNATS(url string) Option     { return func(c *Config) { c.NATSURL = url } }

// WithAWS configures the SNS/SQS sink. An endpoint targets LocalStack or
// another SNS compatible server; empty keys use the default AWS credential
// chain.
func WithAWS(region, accountID, endpoint string) Option {
	return func(c *Config) {
		c.AWSRegion = region
		c.AWSAccountID = accountID
		c.AWSEndpoint = endpoint
	}
}

func WithAWSCredentials(accessKeyID, secretAccessKey string) Option {
	return func(c *Config) {
		c.AWSAccessKeyID = accessKeyID
		c.AWSSecretAccessKey = secretAccessKey
	}
}

func WithHTTPSink(serverAddr, publisherURL string) Option {
	return func(c *Config) {
		c.HTTPServerAddress = serverAddr
		c.HTTPPublisherURL = publisherURL
	}
}

// WithIntrospection serves the service registries on route. Origins lists
// the CORS origins allowed to read it ("*" for any).
func WithIntrospection(route string, origins ...string) Option {
	return func(c *Config) {
		c.IntrospectionRoute = route
		c.IntrospectionCORSAllowedOrigins = origins
	}
}
