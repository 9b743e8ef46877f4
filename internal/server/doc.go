// Package server implements the HTTP surface of the upload relay. It wires
// the upload controller, the probes and the metrics exporter behind one
// router, and provides the lifecycle helpers used by tests and the binary.
package server
