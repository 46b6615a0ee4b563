package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Adapter clients and stores return
// these (optionally wrapped) so upper layers can classify failures without
// inspecting transport detail.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrExpired: window or token has expired
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: service or resource temporarily unavailable (retryable)
// - ErrPermanent: upstream rejected the request for good (not retryable)
// - ErrConflict: concurrent modification detected
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrPermanent    = errors.New("permanent failure")
)
