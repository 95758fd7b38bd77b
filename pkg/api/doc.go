// Package api provides the HTTP management surface for the token engine.
// Route handlers for protected resources live outside this repository and
// consume the engine through pkg/middleware.
package api
