// Package server implements the call transports and the HTTP API.
// TCPServer accepts AudioSocket connections from Asterisk; WSHandler carries
// the same framed byte stream over WebSocket binary messages. Both admit a
// bounded number of concurrent calls and hand each connection to the call
// pipeline. HTTPServer exposes health, call listing, configuration,
// statistics and Prometheus metrics.
package server
