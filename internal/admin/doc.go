// Package admin serves the HTTP control surface of a running session store:
// health, prometheus metrics, store statistics, and on-demand snapshot and
// flush operations. Mutating routes sit behind an optional bearer token.
package admin
