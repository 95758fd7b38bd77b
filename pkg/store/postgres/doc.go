// Package postgres is the durable system of record for tokens, owners,
// and usage records. Every call carries a short timeout so a slow database
// surfaces as a store failure the verifier can fail closed on.
package postgres
