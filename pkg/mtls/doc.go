// Package mtls implements the data plane's client certificate policy:
// validity and grace windows, allowed CN/OU lists, chain depth limits,
// serial-based revocation and an optional custom hook, layered on top of
// the TLS stack's own chain verification. Server credentials and the CA
// bundle hot-reload atomically so listeners never restart for a rotation.
package mtls
