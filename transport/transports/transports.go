// Package transports imports all built-in event sinks for auto-registration.
// Import this package to have all sinks registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/rpcmesh/transport/aws"
	_ "github.com/drblury/rpcmesh/transport/channel"
	_ "github.com/drblury/rpcmesh/transport/http"
	_ "github.com/drblury/rpcmesh/transport/kafka"
	_ "github.com/drblury/rpcmesh/transport/nats"
	_ "github.com/drblury/rpcmesh/transport/rabbitmq"
)
