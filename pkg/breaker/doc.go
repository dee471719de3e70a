/*
Package breaker implements the per-backend circuit breaker applied to every
forwarded request in the data-plane proxy.

Each backend (host:port, FQDN, or service name) gets an independent breaker
with a closed/half-open/open state machine:

	                     readyToTrip(counts)
	         ┌──────────────────────────────────────┐
	         ▼                                      │
	       OPEN ── sleep window elapsed ──▶ HALF_OPEN
	         ▲                                │
	         │     any failure                │ success
	         └────────────────────────────────┴──▶ CLOSED

Every state transition starts a new generation; an in-flight call whose
generation has changed by the time it finishes is discarded rather than
counted. A weighted semaphore caps concurrent calls independently of state.
Rejections (open, too many requests, timeout) are a separate axis from
backend failures and never influence trip decisions.
*/
package breaker
