// Package api exposes the runtime's operational HTTP surface: the health
// endpoint backed by the monitor's tri-state signal, the pool and store
// statistics snapshot, and a rate-limited probe endpoint guarding a caller
// key behind the fixed-window limiter.
package api
