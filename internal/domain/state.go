package domain

import (
	"fmt"
)

// CredentialState tracks the lifecycle of an issued credential:
//
//	Unissued -> Valid -> {Rotating -> Valid (new instance) | Revoked | Expired}
//
// Revoked and Expired are terminal. A rotation that completes produces a new
// SVID instance; the state returns to Valid for that new instance.
type CredentialState int

const (
	StateUnissued CredentialState = iota
	StateValid
	StateRotating
	StateRevoked
	StateExpired
)

// String returns the state name.
func (s CredentialState) String() string {
	switch s {
	case StateUnissued:
		return "unissued"
	case StateValid:
		return "valid"
	case StateRotating:
		return "rotating"
	case StateRevoked:
		return "revoked"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s CredentialState) Terminal() bool {
	return s == StateRevoked || s == StateExpired
}

var transitions = map[CredentialState][]CredentialState{
	StateUnissued: {StateValid},
	StateValid:    {StateRotating, StateRevoked, StateExpired},
	StateRotating: {StateValid, StateRevoked, StateExpired},
	StateRevoked:  nil,
	StateExpired:  nil,
}

// CanTransition reports whether moving from s to next is allowed.
func (s CredentialState) CanTransition(next CredentialState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates and returns the next state, or ErrInvalidTransition.
func Transition(current, next CredentialState) (CredentialState, error) {
	if !current.CanTransition(next) {
		return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return next, nil
}
