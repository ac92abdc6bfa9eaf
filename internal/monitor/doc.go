// Package monitor runs the periodic health and metrics probes against the
// store access layer. It borrows connections from the shared pool like any
// other caller, absorbs repeated transport failures into an aggregated
// tri-state health signal, and feeds gauges and counters to the metrics
// collector and alert channels.
package monitor
