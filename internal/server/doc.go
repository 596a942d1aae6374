// Package server hosts the Fiber HTTP service for shellgate: the request-id
// middleware, Host → app resolution (with an Origin/Referer fallback for
// cross-origin subrequests the browser sends through the gateway), and the
// shared upstream http.Client with HTTP/SOCKS5 egress.
//
// Paths under /-/ are gateway endpoints. /-/sw/* is resolved against the app
// owning the Host header (control channel); every other /-/ path is a
// host-independent diagnostics endpoint registered by package routes.
package server
