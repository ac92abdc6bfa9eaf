// Package redis offers the managed access layer for the shared Redis store:
// a bounded health-checked connection pool, a distributed lock built on the
// store's conditional-set primitive, and fixed/sliding window rate limiters
// executed as atomic server-side scripts.
package redis
