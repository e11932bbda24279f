// Package server exposes the playout orchestration service over HTTP.
//
// A single chi router carries the health and metrics probes, the SNS
// notification routes and the operator API. Every route shares one middleware
// chain of request ids, security headers, rate limiting, metrics and request
// logging; operator routes additionally require the admin bearer token.
package server
