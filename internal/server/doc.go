// Package server implements the TCP listener that accepts switch connections
// and the HTTP API for monitoring and management. The TCP side validates the
// opening START frame and hands the connection to the session registry; the
// HTTP side exposes health, call inspection, configuration, statistics and
// Prometheus metrics endpoints.
package server
