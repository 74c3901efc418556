// Package service runs a session store as a long-lived process: it restores
// the store from its sink, drives a loopback handshake workload against it,
// serves the admin surface, and snapshots periodically and on shutdown.
package service
