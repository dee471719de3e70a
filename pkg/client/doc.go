// Package client is the typed HTTP client data-plane proxies use to talk
// to the control plane: register, heartbeat, fetch config snapshots, and
// long-poll for changes. Error kinds returned by the control plane are
// rehydrated into the same kind-tagged errors the server raised.
package client
