/*
Package runtime provides the core of every rpcmesh role.

# Architecture Overview

A Service talks to an external HTTP task broker. Workers long-poll the
"ms/<name>" channel of their service; the response to one task travels in the
same POST that fetches the next one. Events are delivered through
"events/<name>" channels and are optionally mirrored onto a Watermill event
sink (Kafka, RabbitMQ, NATS, HTTP or Go channels).

# Package Structure

## Core Service (service.go)

The Service struct owns the configuration, the logger, the broker client, the
resolved connection and the registries below. Lookup and GetWorkers read the
broker registry.

## Endpoints and Middlewares (endpoints.go, middleware.go, execute.go)

Endpoints are keyed by method. ExecuteRequest runs request middlewares, the
handler and response middlewares, and turns every failure into an error
response. RequestHooks observe each execution.

## Workers (worker.go, events.go)

RunWorker and RunEventWorker are the polling loops; StartWorkers runs them in
an errgroup. PublishEvent fans an event out to every listener channel.

## Outbound Calls (outbound.go)

SendRequest calls "service.endpoint" through the broker.

## Lifecycle (lifecycle.go)

OnExit hooks run once from Shutdown.

# Sub-packages

  - broker/: HTTP protocol of the task broker
  - config/: Configuration, role defaults, options and loading
  - errors/: Sentinel errors
  - ids/: ULID request ids
  - jsoncodec/: JSON marshaling utilities
  - jsonrpc/: Requests, responses, exceptions and validation
  - logging/: Logger interface and adapters
  - metadata/: Header maps
  - resolver/: SRV and etcd connection resolvers
  - transport/: Event sink factory

# Usage Example

	cfg := config.DefaultWorker().Apply(config.WithName("users"))
	svc, err := runtime.NewService(cfg, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	_ = svc.AddEndpoint("get", func(ctx context.Context, params map[string]any, opts runtime.EndpointOptions) (map[string]any, error) {
		return map[string]any{"id": params["id"]}, nil
	})

	return svc.StartWorkers(ctx, cfg.Workers, cfg.EventWorkers)
*/
package runtime
