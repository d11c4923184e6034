// Package submitter turns ready-to-send transactions into terminal
// statuses: price, send, then poll for the receipt through the endpoint
// pool until CONFIRMED, FAILED or TIMEOUT.
package submitter
