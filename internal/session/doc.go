// Package session reads delegated trading sessions from the on-chain
// registry. A session is a time-boxed, spend-capped delegation letting a
// designated executor submit plans on a user's behalf. The package only
// ever produces point-in-time snapshots; the registry contract remains the
// sole authority over spend accounting and revocation.
package session
