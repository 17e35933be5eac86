package rpcmesh

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/drblury/rpcmesh/internal/gateway"
	"github.com/drblury/rpcmesh/internal/realtime"
	"github.com/drblury/rpcmesh/internal/remotemw"
	runtimepkg "github.com/drblury/rpcmesh/internal/runtime"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	idspkg "github.com/drblury/rpcmesh/internal/runtime/ids"
	jsoncodec "github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcmesh/internal/runtime/metadata"
	"github.com/drblury/rpcmesh/internal/worker"
)

type (
	Config              = configpkg.Config
	ConfigOption        = configpkg.Option
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Roles
	Worker           = worker.Worker
	Gateway          = gateway.Gateway
	GatewayOption    = gateway.Option
	Socket           = realtime.Socket
	RemoteMiddleware = remotemw.Service

	// Wire model
	Request        = jsonrpc.Request
	Response       = jsonrpc.Response
	Task           = jsonrpc.Task
	Exception      = jsonrpc.Exception
	ExceptionProps = jsonrpc.ExceptionProps

	TransportContext = runtimepkg.TransportContext

	EndpointHandler = runtimepkg.EndpointHandler
	EndpointOptions = runtimepkg.EndpointOptions
	EndpointOption  = runtimepkg.EndpointOption

	EventHandler = runtimepkg.EventHandler
	EventOptions = runtimepkg.EventOptions

	MiddlewareHandler      = runtimepkg.MiddlewareHandler
	MiddlewareData         = runtimepkg.MiddlewareData
	MiddlewareType         = runtimepkg.MiddlewareType
	MiddlewareOption       = runtimepkg.MiddlewareOption
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	RequestOption  = runtimepkg.RequestOption
	RegisterOption = runtimepkg.RegisterOption
	ExitHook       = runtimepkg.ExitHook

	// Request lifecycle hooks
	RequestHooks   = runtimepkg.RequestHooks
	RequestContext = runtimepkg.RequestContext

	MicroserviceHandler = gateway.MicroserviceHandler

	RemoteMiddlewareOptions = remotemw.AddOptions
	RemoteMiddlewareParams  = remotemw.EndpointParams

	// Realtime rooms
	SocketParams       = realtime.Params
	RoomKeyExtractor   = realtime.RoomKeyExtractor
	RoomKeysFunc       = realtime.RoomKeysFunc
	RoomKeysFromArray  = realtime.RoomKeysFromArray
	RoomKeyPath        = realtime.RoomKeyPath
	RoomSigner         = realtime.RoomSigner
	RoomNameContext    = realtime.RoomNameContext
	RoomChannelContext = realtime.RoomChannelContext
	EmitParams         = realtime.EmitParams

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	NewService          = runtimepkg.NewService
	NewWorker           = worker.New
	NewGateway          = gateway.New
	NewSocket           = realtime.New
	NewRemoteMiddleware = remotemw.New

	DefaultWorker   = configpkg.DefaultWorker
	DefaultGateway  = configpkg.DefaultGateway
	DefaultRealtime = configpkg.DefaultRealtime
	LoadConfig      = configpkg.Load
	ValidateConfig  = configpkg.ValidateConfig

	WithName       = configpkg.WithName
	WithVersion    = configpkg.WithVersion
	WithConnection = configpkg.WithConnection
	WithSRV        = configpkg.WithSRV
	WithListener   = configpkg.WithListener
	WithWorkers    = configpkg.WithWorkers
	WithReqTimeout = configpkg.WithReqTimeout

	WithAutoRegistration        = configpkg.WithAutoRegistration
	WithAutoRegistrationGateway = configpkg.WithAutoRegistrationGateway
	WithRateLimit               = configpkg.WithRateLimit
	WithSocketPath              = configpkg.WithSocketPath
	WithRoomSecret              = configpkg.WithRoomSecret
	WithEventSink               = configpkg.WithEventSink
	WithNATS                    = configpkg.WithNATS
	WithEventSinkConsumer       = configpkg.WithEventSinkConsumer
	WithKafka                   = configpkg.WithKafka
	WithRabbitMQ                = configpkg.WithRabbitMQ
	WithAWS                     = configpkg.WithAWS

	WithBeforeRoute = gateway.WithBeforeRoute
	WithAfterRoute  = gateway.WithAfterRoute

	// Endpoint and middleware options
	WithPrivate        = runtimepkg.WithPrivate
	WithoutMiddlewares = runtimepkg.WithoutMiddlewares
	WithMatch          = runtimepkg.WithMatch
	WithExclude        = runtimepkg.WithExclude

	// SendRequest options
	WithRequestID = runtimepkg.WithRequestID
	WithoutID     = runtimepkg.WithoutID
	WithExternal  = runtimepkg.WithExternal
	WithNoThrow   = runtimepkg.WithNoThrow
	WithTimeout   = runtimepkg.WithTimeout
	WithHeaders   = runtimepkg.WithHeaders
	WithAsync     = runtimepkg.WithAsync
	WithIfPresent = runtimepkg.WithIfPresent

	WithRegisterTimeout = runtimepkg.WithRegisterTimeout
	WithoutCancelOnExit = runtimepkg.WithoutCancelOnExit

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewRequest       = jsonrpc.NewRequest
	NewResponse      = jsonrpc.NewResponse
	NewException     = jsonrpc.NewException
	AsException      = jsonrpc.AsException
	NewRequestID     = idspkg.NewRequestID
	NewMetadata      = metadatapkg.New
	NewJWTRoomSigner = realtime.NewJWTRoomSigner

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewDefaultServiceLogger = loggingpkg.NewDefaultServiceLogger

	ErrMethodRequired       = errspkg.ErrMethodRequired
	ErrInvalidMethod        = errspkg.ErrInvalidMethod
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrSenderRequired       = errspkg.ErrSenderRequired
	ErrMiddlewareRegistered = errspkg.ErrMiddlewareRegistered
	ErrTerminalDisconnect   = errspkg.ErrTerminalDisconnect
	ErrRoomSignerRequired   = errspkg.ErrRoomSignerRequired
)

// Error codes carried by Exception.Code.
const (
	CodeEndpointException       = jsonrpc.CodeEndpointException
	CodeParseError              = jsonrpc.CodeParseError
	CodeInvalidRequest          = jsonrpc.CodeInvalidRequest
	CodeInvalidParams           = jsonrpc.CodeInvalidParams
	CodeMethodNotFound          = jsonrpc.CodeMethodNotFound
	CodeMicroserviceDown        = jsonrpc.CodeMicroserviceDown
	CodeMicroserviceNotFound    = jsonrpc.CodeMicroserviceNotFound
	CodeGatewayHandlerException = jsonrpc.CodeGatewayHandlerException
	CodeSocketHandlerException  = jsonrpc.CodeSocketHandlerException
)

const (
	MiddlewareRequest  = runtimepkg.MiddlewareRequest
	MiddlewareResponse = runtimepkg.MiddlewareResponse
)

// Role is a runnable service: a Worker, Gateway or Socket.
type Role interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context, cause any) int
}

// Run starts role and blocks until it stops or the process receives a
// termination signal. The exit hooks run before Run returns the process exit
// code: 0 when ctx was cancelled, 1 when role failed, the Shutdown code on a
// signal.
func Run(ctx context.Context, role Role) int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, exitSignals...)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- role.Start(ctx) }()

	select {
	case sig := <-sigs:
		cancel()
		code := role.Shutdown(context.Background(), sig)
		<-errc
		return code
	case err := <-errc:
		if err == nil || errors.Is(err, context.Canceled) {
			role.Shutdown(context.Background(), 0)
			return 0
		}
		return role.Shutdown(context.Background(), err)
	}
}

// Main runs role and exits the process with the code returned by Run.
func Main(role Role) {
	os.Exit(Run(context.Background(), role))
}
