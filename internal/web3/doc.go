// Package web3 houses blockchain connectivity primitives shared by the
// execution runtime: the Caller contract every chain read and write goes
// through, the JSON shapes for eth_call style requests, and the YAML
// endpoint inventory with its circuit breaker and retry tuning. Concrete
// transport lives in the rpcpool subpackage; transaction submission and
// confirmation live in the submitter subpackage.
package web3
