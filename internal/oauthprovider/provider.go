package oauthprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every outbound call to an identity provider.
const DefaultTimeout = 10 * time.Second

// Capabilities declares which optional protocol features a provider needs.
type Capabilities struct {
	UsesPKCE bool
}

// RawProfile is the decoded user-info document returned by a provider.
type RawProfile map[string]any

// Profile is the provider-independent identity handed to account linking.
type Profile struct {
	ProviderAccountID   string
	ProviderAccountName string
	Email               string
	Image               string
}

// Provider is the capability object the gateway drives through the OAuth flow.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	AuthorizationURL(state string, codeVerifier string) (string, error)
	ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, token *oauth2.Token) (RawProfile, error)
	NormalizeProfile(raw RawProfile) (Profile, error)
}

// Credentials configures an adapter. Endpoint fields override the provider defaults.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// oauth2Adapter carries the parts every provider shares: the oauth2 config,
// the declared capabilities and a timeout-bounded HTTP client.
type oauth2Adapter struct {
	name         string
	capabilities Capabilities
	config       *oauth2.Config
	userInfoURL  string
	timeout      time.Duration
	httpClient   *http.Client
}

func newOAuth2Adapter(name string, capabilities Capabilities, credentials Credentials, endpoint oauth2.Endpoint, scopes []string, userInfoURL string) *oauth2Adapter {
	if credentials.AuthURL != "" {
		endpoint.AuthURL = credentials.AuthURL
	}
	if credentials.TokenURL != "" {
		endpoint.TokenURL = credentials.TokenURL
	}
	if credentials.UserInfoURL != "" {
		userInfoURL = credentials.UserInfoURL
	}
	timeout := credentials.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &oauth2Adapter{
		name:         name,
		capabilities: capabilities,
		config: &oauth2.Config{
			ClientID:     credentials.ClientID,
			ClientSecret: credentials.ClientSecret,
			RedirectURL:  credentials.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (adapter *oauth2Adapter) Name() string {
	return adapter.name
}

func (adapter *oauth2Adapter) Capabilities() Capabilities {
	return adapter.capabilities
}

func (adapter *oauth2Adapter) AuthorizationURL(state string, codeVerifier string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("%s.authorization_url: %w", adapter.name, ErrEmptyState)
	}
	var options []oauth2.AuthCodeOption
	if adapter.capabilities.UsesPKCE {
		if codeVerifier == "" {
			return "", fmt.Errorf("%s.authorization_url: %w", adapter.name, ErrMissingCodeVerifier)
		}
		options = append(options, oauth2.S256ChallengeOption(codeVerifier))
	}
	return adapter.config.AuthCodeURL(state, options...), nil
}

func (adapter *oauth2Adapter) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
	exchangeCtx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, adapter.httpClient), adapter.timeout)
	defer cancel()

	var options []oauth2.AuthCodeOption
	if adapter.capabilities.UsesPKCE {
		options = append(options, oauth2.VerifierOption(codeVerifier))
	}
	token, err := adapter.config.Exchange(exchangeCtx, code, options...)
	if err != nil {
		return nil, newProviderError(ErrProviderExchange, adapter.name, describeRetrieveError(err), err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, newProviderError(ErrProviderExchange, adapter.name, "", errMissingAccessToken)
	}
	return token, nil
}

func (adapter *oauth2Adapter) FetchProfile(ctx context.Context, token *oauth2.Token) (RawProfile, error) {
	raw := RawProfile{}
	if err := adapter.getJSON(ctx, adapter.userInfoURL, token, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// getJSON issues an authenticated GET and decodes the body into target.
// Non-2xx responses and malformed bodies are profile fetch failures.
func (adapter *oauth2Adapter) getJSON(ctx context.Context, endpoint string, token *oauth2.Token, target any) error {
	if token == nil || token.AccessToken == "" {
		return newProviderError(ErrProviderProfileFetch, adapter.name, "", errMissingAccessToken)
	}
	requestCtx, cancel := context.WithTimeout(ctx, adapter.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newProviderError(ErrProviderProfileFetch, adapter.name, "", err)
	}
	token.SetAuthHeader(request)
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", "sessiongate")

	response, err := adapter.httpClient.Do(request)
	if err != nil {
		return newProviderError(ErrProviderProfileFetch, adapter.name, "", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		return newProviderError(ErrProviderProfileFetch, adapter.name, "", fmt.Errorf("status %d", response.StatusCode))
	}

	decoder := json.NewDecoder(io.LimitReader(response.Body, 1<<20))
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return newProviderError(ErrProviderProfileFetch, adapter.name, "", fmt.Errorf("decode: %w", err))
	}
	return nil
}

// stringField reads a string-ish claim, coercing JSON numbers.
func stringField(raw RawProfile, key string) string {
	switch value := raw[key].(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

// boolField reads a boolean claim. Some providers encode it as a string.
func boolField(raw RawProfile, key string) bool {
	switch value := raw[key].(type) {
	case bool:
		return value
	case string:
		parsed, err := strconv.ParseBool(value)
		return err == nil && parsed
	default:
		return false
	}
}

// verifiedEmail returns the trimmed email only when the provider marked it verified.
func verifiedEmail(raw RawProfile, emailKey string, verifiedKey string) string {
	if !boolField(raw, verifiedKey) {
		return ""
	}
	return strings.TrimSpace(stringField(raw, emailKey))
}
