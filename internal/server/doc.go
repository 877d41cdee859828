// Package server hosts the Fiber HTTP service and the request middleware chain
// that sits in front of the offline cache agent.
// It bootstraps Fiber, attaches recovery and request-ID middleware, checks the
// Host header against the configured site, and hands every other request to a
// ProxyHandler (see package proxy). Diagnostics under /-/ are registered by
// package routes. Keep exports narrow and accept explicit dependencies.
package server
