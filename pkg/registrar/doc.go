// Package registrar admits data-plane proxies into clusters and tracks
// their liveness. Admission authenticates the cluster API key in constant
// time, then checks the capacity slot count against the smaller of the
// cluster limit and the licensed limit before the proxy record is written.
// A background reaper marks silent proxies stale and eventually retires
// them, freeing their slots.
package registrar
