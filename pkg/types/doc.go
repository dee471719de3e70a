/*
Package types defines the core data structures shared by the MarchProxy
control plane and data plane.

It contains the domain model (clusters, proxy instances, services, mappings,
certificates, licenses), the rendered ConfigSnapshot delivered to proxies,
and the stable error-kind taxonomy exposed to API callers.

All types are JSON-serializable; the storage layer persists them as JSON and
the HTTP surface transports them verbatim. Enumerations use typed string
constants:

	type ProxyStatus string
	const (
	    ProxyStatusRegistering ProxyStatus = "registering"
	    ProxyStatusActive      ProxyStatus = "active"
	)

Proxy lifecycle:

	register()     first heartbeat      stale timeout      retire timeout
	──▶ registering ─────▶ active ──────────▶ stale ────────────▶ retired
	                         ▲──── heartbeat ──┘

Transitions out of retired require a fresh registration.
*/
package types
