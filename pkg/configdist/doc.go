// Package configdist renders and serves per-cluster configuration
// snapshots. A snapshot is one consistent read over the store, rendered
// deterministically: active services with their auth material, active
// mappings in priority order with resolved endpoints, unrevoked
// certificates, the CRL, and the cluster's logging settings. The version
// is the SHA-256 of the canonical serialization, so identical inputs yield
// identical versions and proxies can poll for change by digest comparison.
package configdist
