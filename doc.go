// Package rpcmesh is a runtime for services that talk JSON-RPC 2.0 through a
// long-polling HTTP broker. Every service registers endpoints on a Service and
// runs task workers that fetch a request from its broker channel, execute it
// and hand the response back while fetching the next one.
//
// Three roles are built on the same runtime:
//   - Worker: a plain service. It registers itself on a gateway at start,
//     accepts middlewares installed by other services and answers tasks.
//   - Gateway: the HTTP ingress. It validates client calls (single or batch),
//     runs them through the middlewares and routes them to the service named
//     by the method prefix, turning result.payload.cookies into Set-Cookie
//     headers on the way back.
//   - Socket: the WebSocket ingress. Clients subscribe to rooms through a call
//     forwarded to the owning service and receive updates published with Emit.
//     Room membership is signed into a token so a reconnecting client rejoins
//     its rooms without subscribing again.
//
// # Middlewares
//
// Request middlewares transform the params before the endpoint runs and
// response middlewares transform its result. A service can install a
// middleware on another one: the remote side proxies every call to the
// installing service and removes it again when that service exits.
//
// # Events
//
// PublishEvent fans an event out to every listener channel registered on the
// broker; event workers deliver them to the handlers whose pattern matches.
// Events can also be mirrored onto a message transport (Go channels, HTTP,
// NATS, Kafka or RabbitMQ) selected by Config.EventSink.
//
// Run starts a role and turns SIGINT, SIGTERM, SIGUSR1 and SIGUSR2 into an
// orderly shutdown: the exit hooks run before the process exits.
package rpcmesh
