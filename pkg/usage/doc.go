// Package usage records one row per verified API call, asynchronously and
// best-effort. The verifier returns as soon as its checks pass; durability
// of the usage trail never gates the guarded request.
package usage
