package oauthprovider

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

var (
	// ErrUnsupportedProvider indicates that no provider is registered under the requested name.
	ErrUnsupportedProvider = errors.New("oauth_provider.unsupported")
	// ErrProviderExchange indicates the token endpoint rejected the code or returned an unusable response.
	ErrProviderExchange = errors.New("oauth_provider.exchange_failed")
	// ErrProviderProfileFetch indicates the user-info endpoint failed or returned an unusable response.
	ErrProviderProfileFetch = errors.New("oauth_provider.profile_fetch_failed")
	// ErrIncompleteProfile indicates the provider omitted the account identifier.
	ErrIncompleteProfile = errors.New("oauth_provider.incomplete_profile")
	// ErrEmptyState indicates an authorization URL was requested without a state value.
	ErrEmptyState = errors.New("oauth_provider.empty_state")
	// ErrMissingCodeVerifier indicates a PKCE provider was driven without a verifier.
	ErrMissingCodeVerifier = errors.New("oauth_provider.missing_code_verifier")

	errMissingAccessToken = errors.New("missing access token")
)

// ProviderError reports an upstream identity provider failure.
// Description holds the provider-supplied error_description when one was returned.
type ProviderError struct {
	Kind        error
	Provider    string
	Description string
	Err         error
}

func newProviderError(kind error, provider string, description string, cause error) *ProviderError {
	return &ProviderError{
		Kind:        kind,
		Provider:    provider,
		Description: description,
		Err:         cause,
	}
}

func (providerError *ProviderError) Error() string {
	if providerError.Err == nil {
		return fmt.Sprintf("%s: %v", providerError.Provider, providerError.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", providerError.Provider, providerError.Kind, providerError.Err)
}

func (providerError *ProviderError) Unwrap() []error {
	return []error{providerError.Kind, providerError.Err}
}

func describeRetrieveError(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return ""
	}
	if retrieveErr.ErrorDescription != "" {
		return retrieveErr.ErrorDescription
	}
	return retrieveErr.ErrorCode
}
