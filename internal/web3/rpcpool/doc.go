// Package rpcpool provides the ranked JSON-RPC endpoint pool used for all
// chain access. Every endpoint carries two independent breakers: a generic
// circuit opened after consecutive counted failures, and a longer rate-limit
// cooldown entered immediately on HTTP 429 or provider throttling responses.
// Calls walk the priority list, retry transient failures on the same
// endpoint with jittered exponential backoff, and fail over otherwise.
// JSON-RPC application errors are returned to the caller untouched and count
// as endpoint successes. When every breaker is open the primary endpoint
// gets one last-resort attempt before the pool reports exhaustion.
package rpcpool
