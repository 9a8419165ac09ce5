package domain

import "errors"

var (
	// ErrProbeUnavailable means a platform probe failed or timed out; the tick is skipped.
	ErrProbeUnavailable = errors.New("probe unavailable")

	ErrNoActiveSession = errors.New("no active session")
	ErrSessionActive   = errors.New("a session is already active")
	ErrInvalidTask     = errors.New("task name must not be empty")

	ErrInvalidRule  = errors.New("invalid rule")
	ErrRuleNotFound = errors.New("rule not found")

	ErrEventNotFound   = errors.New("event not found or already resolved")
	ErrInvalidDecision = errors.New("decision not valid for event")

	// ErrStateCorrupted is returned by the state file when the document cannot be parsed.
	ErrStateCorrupted = errors.New("state file corrupted")

	// ErrChannelBindFailed is fatal at startup.
	ErrChannelBindFailed = errors.New("failed to bind control channel")

	ErrRequestMalformed = errors.New("malformed request")
	ErrRequestTooLarge  = errors.New("request too large")
)
