// Package server implements the HTTP boundary of the portal backend: gin
// routes for registration, login with two-factor verification and chunked
// file uploads, plus the middleware chain and health endpoints.
package server
