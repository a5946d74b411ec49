// Package api exposes the REST surface: asynchronous task intake and lookup,
// a synchronous ask endpoint, per-request progress events, health and metrics.
package api
