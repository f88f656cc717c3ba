// Package telemetry wires OpenTelemetry exporters and meters for the request
// firewall.
//
// It centralises trace provider setup and offers helpers that record rule
// evaluation metrics and attach coarse security events to spans, so operators
// can correlate enforcement decisions with traffic without exporting the
// offending input itself.
package telemetry
