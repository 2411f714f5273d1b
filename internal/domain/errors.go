package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrRuleTriggered    = errors.New("rule already triggered")
	ErrRuleLimit        = errors.New("rule limit reached")
	ErrDecode           = errors.New("malformed stream message")
	ErrTransport        = errors.New("transport error")
	ErrNotConnected     = errors.New("stream not connected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrContextDone      = errors.New("context cancelled")
	ErrLockHeld         = errors.New("lock already held")
)
