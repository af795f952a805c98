// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/schemabus/schemabus/transport/aws"
	_ "github.com/schemabus/schemabus/transport/channel"
	_ "github.com/schemabus/schemabus/transport/http"
	_ "github.com/schemabus/schemabus/transport/jetstream"
	_ "github.com/schemabus/schemabus/transport/kafka"
	_ "github.com/schemabus/schemabus/transport/nats"
)
