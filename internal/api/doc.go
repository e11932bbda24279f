// Package api hosts the HTTP handlers of the playout orchestration service.
//
// Handler fronts the operator-facing routes: the health probe and the
// immediate switch endpoint. Persistence and encoder calls are delegated to
// the storage.Repository and immediate.Handler instances injected at
// construction time; the package does not reach for globals.
//
// Handlers assume the middleware stack from internal/server has already
// enforced authentication and attached request ids, logging and metrics.
package api
