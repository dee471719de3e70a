// Package proxy is the data-plane runtime. It registers with the control
// plane, heartbeats at the interval the server dictates, and keeps the
// rendered config snapshot fresh through a long poll backed by a jittered
// periodic refresh. Each applied snapshot atomically swaps the service
// index and rebuilds the derived enforcement state: the mTLS revocation
// set and the per-backend health watchers. Connection handling consults
// the runtime for authentication, circuit-breaker-guarded execution, and
// backend health.
package proxy
