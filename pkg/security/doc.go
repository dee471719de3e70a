/*
Package security provides the cryptographic primitives shared by the control
plane and data plane: AES-256-GCM encryption of service auth material at
rest, x509 certificate parsing and fingerprinting for the certificate
registry, cluster API key generation, and constant-time credential
comparison.

Keys are derived from the cluster ID (SHA-256) so the at-rest encryption
survives control-plane restarts without external key management.
*/
package security
