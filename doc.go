// Package schemabus wires a schema-addressed message bus into an HTTP
// dispatch surface and a set of console batch commands. Every message is
// identified by a curie (vendor:package:category:message) and resolved
// against an explicit registry; nothing is guessed from names.
//
// An inbound HTTP dispatch runs a fixed gate chain: method, content
// type, payload parse, curie resolution, construction and binding,
// permission validation, and finally bus dispatch. Each gate is terminal
// on failure, and the outcome is always rendered as a dispatch envelope
// with both a gRPC-style code and an HTTP status. Failures from handlers
// are classified the same way, and internal messages are redacted for
// untrusted callers.
//
// The buses are in-process: commands have exactly one handler, events
// fan out to all subscribers, and requests return a response message.
// Published events can be replicated to a pluggable pub/sub backend
// (Kafka, RabbitMQ, NATS, JetStream, AWS SNS/SQS, HTTP, a line file, or
// in-memory channels) through the transport registry, and stored lines
// can be replayed back through the buses by the batch processor or the
// token-authenticated receive endpoint.
//
// A minimal setup fills Config, calls New, registers schemas and
// handlers on the returned Gateway, and mounts it on an http.ServeMux;
// see examples/simple for a runnable version.
package schemabus
