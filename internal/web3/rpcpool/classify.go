package rpcpool

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// failureClass partitions call errors by how the pool must react to them.
type failureClass int

const (
	// classTransient covers timeouts, connection resets and server-side
	// 5xx responses. Worth retrying on the same endpoint.
	classTransient failureClass = iota
	// classRateLimit covers HTTP 429 and provider throttling responses.
	// The endpoint is parked on its longer cooldown and the call fails
	// over immediately; retrying in place only digs the hole deeper.
	classRateLimit
	// classApplication covers well-formed JSON-RPC error responses such
	// as execution reverts. The endpoint did its job; the error belongs
	// to the caller and must not count against endpoint health.
	classApplication
	// classEndpointFatal covers the remaining client-side HTTP statuses
	// (bad auth, malformed request). Retrying cannot help, but the
	// failure still counts toward the breaker.
	classEndpointFatal
)

// providerLimitCode is the de-facto JSON-RPC code several hosted providers
// return when a key exceeds its request allowance.
const providerLimitCode = -32005

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"request limit reached",
	"capacity exceeded",
}

// classifyCallError decides how a failed attempt is treated. HTTP transport
// errors are inspected first: geth surfaces non-2xx responses as
// rpc.HTTPError before any JSON-RPC parsing happens. A JSON-RPC error object
// always arrives on a 2xx response and implements rpc.Error.
func classifyCallError(err error) failureClass {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return classRateLimit
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return classTransient
		case httpErr.StatusCode >= 500:
			return classTransient
		default:
			return classEndpointFatal
		}
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == providerLimitCode || looksRateLimited(rpcErr.Error()) {
			return classRateLimit
		}
		return classApplication
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}
	if looksRateLimited(err.Error()) {
		return classRateLimit
	}
	return classTransient
}

// looksRateLimited sniffs throttling phrasing out of providers that hide a
// rate limit behind a generic error string.
func looksRateLimited(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay computes the pause before retry number attempt (counted from
// one): exponential growth capped at max, jittered across the upper half of
// the window so simultaneous callers spread out.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	if max > 0 && d > max {
		d = max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half+1)))
}
