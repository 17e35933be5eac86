package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/rpcmesh/internal/runtime/broker"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	"github.com/drblury/rpcmesh/internal/runtime/resolver"
	transportpkg "github.com/drblury/rpcmesh/internal/runtime/transport"
	sinkhttp "github.com/drblury/rpcmesh/transport/http"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	// Logger overrides the default slog text logger on stdout.
	Logger loggingpkg.ServiceLogger
	// DisableLogging installs a no-op logger when Logger is nil.
	DisableLogging bool

	// HTTPClient is used for every broker call.
	HTTPClient *http.Client
	// Resolver resolves SRV style connections. Defaults to etcd when
	// EtcdEndpoints are configured and DNS SRV otherwise.
	Resolver resolver.Resolver

	// EventPublisher delivers published events to listener channels.
	EventPublisher message.Publisher
	// TransportFactory builds the event sink named by Config.EventSink.
	TransportFactory transportpkg.Factory

	Hooks      RequestHooks
	Metrics    *Metrics
	Registerer prometheus.Registerer
}

// Service is the runtime shared by every role: registries, the task and event
// loops, outbound calls and lifecycle hooks. Create one per configuration.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	broker   *broker.Client
	resolver resolver.Resolver

	connMu     sync.Mutex
	cachedConn string

	endpoints   map[string]Endpoint
	endpointsMu sync.RWMutex

	middlewares   map[MiddlewareType][]*MiddlewareRegistration
	middlewaresMu sync.RWMutex

	eventHandlers   map[string][]*EventRegistration
	eventHandlersMu sync.RWMutex

	eventPublisher message.Publisher
	sink           transportpkg.Transport

	hooks   RequestHooks
	metrics *Metrics

	exitMu    sync.Mutex
	exitHooks []ExitHook
	closers   []func() error
	exited    bool
	exitCode  int
}

// NewService constructs a Service for the supplied configuration. Register
// endpoints, middlewares and event handlers before starting the workers.
func NewService(conf *configpkg.Config, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := deps.Logger
	switch {
	case log != nil:
	case deps.DisableLogging:
		log = loggingpkg.NewNopServiceLogger()
	default:
		log = loggingpkg.NewDefaultServiceLogger(nil, slog.LevelInfo)
	}
	log = log.With(loggingpkg.LogFields{"service": conf.Name})
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	log.Debug("Creating service", loggingpkg.LogFields{"config": conf.String()})

	s := &Service{
		Conf:          conf,
		Logger:        log,
		broker:        broker.NewClient(deps.HTTPClient),
		resolver:      deps.Resolver,
		endpoints:     make(map[string]Endpoint),
		middlewares:   map[MiddlewareType][]*MiddlewareRegistration{},
		eventHandlers: make(map[string][]*EventRegistration),
		hooks:         deps.Hooks,
		metrics:       deps.Metrics,
	}

	if conf.IsSRV && s.resolver == nil {
		if len(conf.EtcdEndpoints) > 0 {
			etcd, client, err := resolver.NewEtcd(conf.EtcdEndpoints, conf.EtcdKey, conf.EtcdDialTimeout)
			if err != nil {
				return nil, err
			}
			s.resolver = etcd
			s.closers = append(s.closers, client.Close)
		} else {
			s.resolver = resolver.SRV{}
		}
	}

	if s.metrics == nil && conf.MetricsEnabled {
		s.metrics = NewMetrics(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	s.eventPublisher = deps.EventPublisher
	if s.eventPublisher == nil {
		pub, err := sinkhttp.NewBrokerPublisher(sinkhttp.BrokerPublishTimeout, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		s.eventPublisher = pub
	}
	s.closers = append(s.closers, s.eventPublisher.Close)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	sink, err := factory.Build(context.Background(), conf, wmLogger)
	if err != nil {
		return nil, err
	}
	s.sink = sink
	if sink.Publisher != nil {
		s.closers = append(s.closers, sink.Publisher.Close)
	}
	if sink.Subscriber != nil {
		s.closers = append(s.closers, sink.Subscriber.Close)
	}

	return s, nil
}

// Name returns the service name used as channel and sender.
func (s *Service) Name() string {
	return s.Conf.Name
}

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// GetException builds an exception owned by this service. The message falls
// back to the cause and the stack is captured when a cause is given.
func (s *Service) GetException(props jsonrpc.ExceptionProps, cause error) *jsonrpc.Exception {
	if props.Message == "" && cause != nil {
		props.Message = cause.Error()
	}
	props.Service = s.Conf.Name
	if cause != nil && props.Stack == "" {
		props.Stack = string(debug.Stack())
	}
	return jsonrpc.NewException(props)
}

// GetConnection returns the broker URL. SRV connections are resolved on first
// use and cached until InvalidateConnection.
func (s *Service) GetConnection(ctx context.Context) (string, error) {
	if !s.Conf.IsSRV {
		if s.Conf.Connection == "" {
			return "", errspkg.ErrConnectionRequired
		}
		return s.Conf.Connection, nil
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.cachedConn != "" {
		return s.cachedConn, nil
	}
	if s.resolver == nil {
		return "", errspkg.ErrResolverRequired
	}
	addr, err := s.resolver.Resolve(ctx, s.Conf.Connection)
	if err != nil {
		return "", err
	}
	s.cachedConn = addr
	return addr, nil
}

// InvalidateConnection drops the cached SRV address so the next call
// re-resolves it.
func (s *Service) InvalidateConnection() {
	s.connMu.Lock()
	s.cachedConn = ""
	s.connMu.Unlock()
}

// Lookup lists the services registered on the broker under prefix ("ms" for
// task channels, "events" for event listeners). With onlyAvailable only
// channels with at least one worker are returned.
func (s *Service) Lookup(ctx context.Context, onlyAvailable bool, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = broker.TaskPrefix
	}
	details, err := s.details(ctx)
	if err != nil {
		return nil, err
	}

	channelPrefix := prefix + "/"
	var out []string
	for channel, info := range details {
		name, ok := strings.CutPrefix(channel, channelPrefix)
		if !ok || (onlyAvailable && len(info.WorkerIDs) == 0) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// GetWorkers returns the worker ids polling this service's channel.
func (s *Service) GetWorkers(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = broker.TaskPrefix
	}
	details, err := s.details(ctx)
	if err != nil {
		return nil, err
	}
	workers := details[prefix+"/"+s.Conf.Name].WorkerIDs
	if workers == nil {
		workers = []string{}
	}
	return workers, nil
}

func (s *Service) details(ctx context.Context) (map[string]broker.ChannelInfo, error) {
	conn, err := s.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	details, err := s.broker.Details(ctx, conn)
	if err != nil {
		s.InvalidateConnection()
		return nil, err
	}
	return details, nil
}
