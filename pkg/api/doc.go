// Package api exposes the control plane over HTTP: proxy-facing
// registration, heartbeat and config endpoints authenticated by cluster
// API key, and operator-facing admin CRUD, key rotation and license
// endpoints authenticated by the admin token. Errors cross the wire as a
// stable kind tag plus message; the concrete auth failure reason stays in
// the logs.
package api
