// Package server hosts the Fiber HTTP service in front of the static site
// origin: the request middleware chain (request ids, panic recovery), the
// shared upstream http.Client and the Origin description every intercepted
// request is resolved against. Routing decisions live in the proxy package;
// diagnostics endpoints under /-/ are registered by the routes package.
package server
