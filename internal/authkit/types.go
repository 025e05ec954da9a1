package authkit

import "time"

// User is the local identity that sessions resolve to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Account links a provider identity to its owning User.
type Account struct {
	Provider            string
	ProviderAccountID   string
	ProviderAccountName string
	UserID              string
}

// Session is returned by SessionStore. Token holds the raw credential and is
// only populated by CreateSession.
type Session struct {
	Token     string
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// SessionRecord is the persisted form of a session, keyed by token hash.
type SessionRecord struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// SessionResult is the outcome of validating a token. An anonymous or expired
// token yields a nil User and an Expires of "now".
type SessionResult struct {
	User    *User     `json:"user,omitempty"`
	Expires time.Time `json:"expires"`

	Session *Session `json:"-"`
	Renewed bool     `json:"-"`
}

// Authenticated reports whether the result resolved to a user.
func (result SessionResult) Authenticated() bool {
	return result.User != nil
}

// NewAccount describes the account and profile data for UpsertUserWithAccount.
type NewAccount struct {
	Provider            string
	ProviderAccountID   string
	ProviderAccountName string
	Email               string
	Image               string
}
