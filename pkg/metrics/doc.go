// Package metrics defines the Prometheus instrumentation for both planes:
// fleet gauges derived from the store by a periodic Collector, counters
// incremented inline by the registrar, distributor, license enforcer,
// circuit breakers and mTLS validator, and the /metrics HTTP handler.
package metrics
