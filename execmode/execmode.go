// Package execmode decides which of {LEADER_ONLY, LEADER_SELF_VALIDATOR,
// NORMAL} applies to a transaction, including the committee-size-1
// auto-degrade rule.
package execmode

import "github.com/genlayerlabs/genlayer-studio-sub001/types"

// Resolve returns the effective execution mode for a transaction given its
// requested mode and committee size. A NORMAL request with a committee of
// exactly one validator automatically degrades to LEADER_SELF_VALIDATOR,
// since a single-member committee cannot produce an independent
// commit/reveal quorum.
func Resolve(requested types.ExecutionMode, committeeSize int) types.ExecutionMode {
	if requested == types.ModeNormal && committeeSize <= 1 {
		return types.ModeLeaderSelfValidator
	}
	return requested
}

// RequiresValidators reports whether the mode needs non-leader committee
// members to execute at all (LEADER_ONLY and LEADER_SELF_VALIDATOR both
// skip the COMMITTING/REVEALING quorum across other validators).
func RequiresValidators(mode types.ExecutionMode) bool {
	return mode == types.ModeNormal
}
