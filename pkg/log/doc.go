// Package log wraps zerolog with a process-global logger and child-logger
// helpers carrying the fields used across the control plane and proxies
// (component, cluster_id, proxy, service_id). Call Init once at boot.
package log
