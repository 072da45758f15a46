package models

import "errors"

var (
	// ErrNoEligibleTeam is returned when no active, auto-assignable team exists.
	ErrNoEligibleTeam = errors.New("no eligible team")

	// ErrNoAvailableAgent is returned when the chosen team has no active members.
	ErrNoAvailableAgent = errors.New("team has no available agent")

	// ErrInvalidHandoffTarget is returned when a handoff names no target or an
	// inconsistent one.
	ErrInvalidHandoffTarget = errors.New("invalid handoff target")

	// ErrInvalidRequest is returned for malformed input such as an unknown
	// priority or handoff type.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConversationNotFound is returned when the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrHandoffNotFound is returned when the handoff does not exist.
	ErrHandoffNotFound = errors.New("handoff not found")

	// ErrHandoffAlreadyProcessed signals a handoff that is no longer pending.
	// Callers treat it as a successful no-op.
	ErrHandoffAlreadyProcessed = errors.New("handoff already processed")

	// ErrClassificationUnavailable is returned when the classifier failed.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrInvalidTransition is returned for a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid handoff transition")
)
