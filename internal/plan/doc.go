// Package plan defines the immutable ActionPlan consumed by the execution
// runtime and the two payload encoding conventions the runtime is able to
// cost: the fixed-shape direct calls (pull, deposit, swap) and the
// cappedCall wrapper that bounds an opaque inner payload with an explicit
// spend ceiling. Decoding is deliberately strict; anything outside the two
// conventions is reported as undeterminable rather than guessed at.
package plan
