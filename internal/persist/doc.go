// Package persist moves session store snapshots to and from durable sinks: a
// local file or a redis key. Sink operations are retried with exponential
// backoff; the snapshot format itself belongs to sessionstore.
package persist
