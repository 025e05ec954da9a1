package authkit

import "errors"

var (
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("store.user_not_found")
	// ErrAccountNotFound indicates no account matched the provider key.
	ErrAccountNotFound = errors.New("store.account_not_found")
	// ErrSessionNotFound indicates no session matched the token hash.
	ErrSessionNotFound = errors.New("store.session_not_found")
	// ErrStorage wraps any persistence failure other than "not found".
	ErrStorage = errors.New("store.failure")

	// ErrInvalidState indicates the OAuth callback did not match the transient state.
	ErrInvalidState = errors.New("auth.invalid_state")
	// ErrBrokenAccountLink indicates an account references a user that no longer exists.
	ErrBrokenAccountLink = errors.New("auth.broken_account_link")
	// ErrMissingEmail indicates the provider profile carried no email to link on.
	ErrMissingEmail = errors.New("auth.missing_email")
)
