package oauthprovider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

type identityProviderStub struct {
	server        *httptest.Server
	tokenStatus   int
	tokenBody     string
	userStatus    int
	userBody      string
	emailsBody    string
	lastTokenForm url.Values
	userDelay     time.Duration
}

func newIdentityProviderStub(t *testing.T) *identityProviderStub {
	t.Helper()
	stub := &identityProviderStub{
		tokenStatus: http.StatusOK,
		tokenBody:   `{"access_token":"access-123","token_type":"Bearer","expires_in":3600}`,
		userStatus:  http.StatusOK,
	}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			_ = r.ParseForm()
			stub.lastTokenForm = r.PostForm
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stub.tokenStatus)
			_, _ = w.Write([]byte(stub.tokenBody))
		case "/user":
			if stub.userDelay > 0 {
				time.Sleep(stub.userDelay)
			}
			if r.Header.Get("Authorization") != "Bearer access-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stub.userStatus)
			_, _ = w.Write([]byte(stub.userBody))
		case "/user/emails":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(stub.emailsBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (stub *identityProviderStub) credentials() Credentials {
	return Credentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/auth/oauth/test/callback",
		AuthURL:      stub.server.URL + "/authorize",
		TokenURL:     stub.server.URL + "/token",
		UserInfoURL:  stub.server.URL + "/user",
	}
}

type fakeGoogleValidator struct {
	payload  *idtoken.Payload
	err      error
	audience string
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error) {
	validator.audience = audience
	if validator.err != nil {
		return nil, validator.err
	}
	return validator.payload, nil
}

func TestRegistryLookup(t *testing.T) {
	registry, err := NewRegistry(
		NewGitHubProvider(GitHubCredentials{}),
		NewGoogleProvider(Credentials{}, nil),
		NewDiscordProvider(Credentials{}),
	)
	require.NoError(t, err)

	provider, err := registry.Lookup("github")
	require.NoError(t, err)
	assert.Equal(t, "github", provider.Name())
	assert.Equal(t, []string{"discord", "github", "google"}, registry.Names())

	_, err = registry.Lookup("bitbucket")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedProvider))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(NewDiscordProvider(Credentials{}), NewDiscordProvider(Credentials{}))
	require.Error(t, err)
}

func TestCapabilitiesDeclared(t *testing.T) {
	assert.False(t, NewGitHubProvider(GitHubCredentials{}).Capabilities().UsesPKCE)
	assert.True(t, NewGoogleProvider(Credentials{}, nil).Capabilities().UsesPKCE)
	assert.True(t, NewDiscordProvider(Credentials{}).Capabilities().UsesPKCE)
}

func TestAuthorizationURLAddsChallengeOnlyForPKCEProviders(t *testing.T) {
	stub := newIdentityProviderStub(t)

	googleURL, err := NewGoogleProvider(stub.credentials(), nil).AuthorizationURL("state-1", "verifier-1")
	require.NoError(t, err)
	parsedGoogle, err := url.Parse(googleURL)
	require.NoError(t, err)
	assert.Equal(t, "state-1", parsedGoogle.Query().Get("state"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier("verifier-1"), parsedGoogle.Query().Get("code_challenge"))
	assert.Equal(t, "S256", parsedGoogle.Query().Get("code_challenge_method"))
	assert.Equal(t, "openid profile email", parsedGoogle.Query().Get("scope"))

	githubURL, err := NewGitHubProvider(GitHubCredentials{Credentials: stub.credentials()}).AuthorizationURL("state-2", "verifier-2")
	require.NoError(t, err)
	parsedGitHub, err := url.Parse(githubURL)
	require.NoError(t, err)
	assert.Equal(t, "state-2", parsedGitHub.Query().Get("state"))
	assert.Empty(t, parsedGitHub.Query().Get("code_challenge"))
	assert.Equal(t, "client-id", parsedGitHub.Query().Get("client_id"))

	_, err = NewDiscordProvider(stub.credentials()).AuthorizationURL("state-3", "")
	assert.True(t, errors.Is(err, ErrMissingCodeVerifier))
	_, err = NewDiscordProvider(stub.credentials()).AuthorizationURL("", "verifier")
	assert.True(t, errors.Is(err, ErrEmptyState))
}

func TestExchangeCodeSendsVerifierForPKCEProviders(t *testing.T) {
	stub := newIdentityProviderStub(t)
	provider := NewDiscordProvider(stub.credentials())

	token, err := provider.ExchangeCode(context.Background(), "code-1", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "access-123", token.AccessToken)
	assert.Equal(t, "code-1", stub.lastTokenForm.Get("code"))
	assert.Equal(t, "verifier-1", stub.lastTokenForm.Get("code_verifier"))
}

func TestExchangeCodeOmitsVerifierForGitHub(t *testing.T) {
	stub := newIdentityProviderStub(t)
	provider := NewGitHubProvider(GitHubCredentials{Credentials: stub.credentials()})

	_, err := provider.ExchangeCode(context.Background(), "code-1", "")
	require.NoError(t, err)
	assert.Empty(t, stub.lastTokenForm.Get("code_verifier"))
}

func TestExchangeCodeFailureCarriesDescription(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.tokenStatus = http.StatusBadRequest
	stub.tokenBody = `{"error":"invalid_grant","error_description":"Bad verification code."}`
	provider := NewGitHubProvider(GitHubCredentials{Credentials: stub.credentials()})

	_, err := provider.ExchangeCode(context.Background(), "code-1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderExchange))

	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, "github", providerErr.Provider)
	assert.Equal(t, "Bad verification code.", providerErr.Description)
}

func TestExchangeCodeMalformedResponse(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.tokenBody = `{"token_type":"Bearer"}`
	provider := NewGitHubProvider(GitHubCredentials{Credentials: stub.credentials()})

	_, err := provider.ExchangeCode(context.Background(), "code-1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderExchange))
}

func TestGitHubProfileCoercesNumericID(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.userBody = `{"id": 12345, "login": "octocat", "email": "octo@example.com", "avatar_url": "https://github.com/avatar.png"}`
	provider := NewGitHubProvider(GitHubCredentials{Credentials: stub.credentials()})

	raw, err := provider.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "access-123"})
	require.NoError(t, err)
	profile, err := provider.NormalizeProfile(raw)
	require.NoError(t, err)

	assert.Equal(t, Profile{
		ProviderAccountID:   "12345",
		ProviderAccountName: "octocat",
		Email:               "octo@example.com",
		Image:               "https://github.com/avatar.png",
	}, profile)
}

func TestGitHubProfileFallsBackToVerifiedEmail(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.userBody = `{"id": 7, "login": "hidden", "email": null}`
	stub.emailsBody = `[
		{"email": "unverified@example.com", "primary": true, "verified": false},
		{"email": "secondary@example.com", "primary": false, "verified": true}
	]`
	provider := NewGitHubProvider(GitHubCredentials{Credentials: stub.credentials(), EmailsURL: stub.server.URL + "/user/emails"})

	raw, err := provider.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "access-123"})
	require.NoError(t, err)
	profile, err := provider.NormalizeProfile(raw)
	require.NoError(t, err)
	assert.Equal(t, "secondary@example.com", profile.Email)
}

func TestFetchProfileNon2xx(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.userStatus = http.StatusInternalServerError
	stub.userBody = `{}`
	provider := NewDiscordProvider(stub.credentials())

	_, err := provider.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "access-123"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderProfileFetch))
}

func TestFetchProfileTimeout(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.userDelay = 200 * time.Millisecond
	stub.userBody = `{"id":"1"}`
	credentials := stub.credentials()
	credentials.Timeout = 20 * time.Millisecond
	provider := NewDiscordProvider(credentials)

	_, err := provider.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "access-123"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderProfileFetch))
}

func TestDiscordNormalizeTemplatesAvatar(t *testing.T) {
	provider := NewDiscordProvider(Credentials{})

	profile, err := provider.NormalizeProfile(RawProfile{
		"id":       "80351110224678912",
		"username": "nelly",
		"email":    "nelly@discord.com",
		"verified": true,
		"avatar":   "8342729096ea3675442027381ff50dfe",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.discordapp.com/avatars/80351110224678912/8342729096ea3675442027381ff50dfe.png", profile.Image)
	assert.Equal(t, "nelly", profile.ProviderAccountName)
	assert.Equal(t, "nelly@discord.com", profile.Email)

	noAvatar, err := provider.NormalizeProfile(RawProfile{"id": "1", "username": "plain"})
	require.NoError(t, err)
	assert.Empty(t, noAvatar.Image)

	_, err = provider.NormalizeProfile(RawProfile{"username": "anonymous"})
	assert.True(t, errors.Is(err, ErrIncompleteProfile))
}

func TestGoogleNormalizeUsesOpenIDClaims(t *testing.T) {
	provider := NewGoogleProvider(Credentials{}, nil)

	profile, err := provider.NormalizeProfile(RawProfile{
		"sub":            "110169484474386276334",
		"name":           "Jane Doe",
		"email":          "jane@example.com",
		"email_verified": true,
		"picture":        "https://lh3.googleusercontent.com/a/photo.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "110169484474386276334", profile.ProviderAccountID)
	assert.Equal(t, "Jane Doe", profile.ProviderAccountName)
	assert.Equal(t, "https://lh3.googleusercontent.com/a/photo.jpg", profile.Image)
	assert.Equal(t, "jane@example.com", profile.Email)
}

func TestNormalizeDropsUnverifiedEmails(t *testing.T) {
	google := NewGoogleProvider(Credentials{}, nil)
	discord := NewDiscordProvider(Credentials{})

	testCases := []struct {
		name          string
		provider      Provider
		raw           RawProfile
		expectedEmail string
	}{
		{name: "google unverified", provider: google, raw: RawProfile{"sub": "1", "email": "jane@example.com", "email_verified": false}},
		{name: "google claim missing", provider: google, raw: RawProfile{"sub": "1", "email": "jane@example.com"}},
		{name: "google string claim", provider: google, raw: RawProfile{"sub": "1", "email": "jane@example.com", "email_verified": "true"}, expectedEmail: "jane@example.com"},
		{name: "discord unverified", provider: discord, raw: RawProfile{"id": "1", "email": "nelly@discord.com", "verified": false}},
		{name: "discord verified", provider: discord, raw: RawProfile{"id": "1", "email": " nelly@discord.com ", "verified": true}, expectedEmail: "nelly@discord.com"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			profile, err := testCase.provider.NormalizeProfile(testCase.raw)
			require.NoError(t, err)
			assert.Equal(t, testCase.expectedEmail, profile.Email)
		})
	}
}

func TestGoogleFetchProfileVerifiesIDToken(t *testing.T) {
	stub := newIdentityProviderStub(t)
	stub.userBody = `{"sub":"sub-1","name":"Jane","email":"jane@example.com"}`

	token := (&oauth2.Token{AccessToken: "access-123"}).WithExtra(map[string]any{"id_token": "raw-id-token"})

	validator := &fakeGoogleValidator{payload: &idtoken.Payload{Subject: "sub-1"}}
	provider := NewGoogleProvider(stub.credentials(), validator)
	raw, err := provider.FetchProfile(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", stringField(raw, "sub"))
	assert.Equal(t, "client-id", validator.audience)

	mismatched := NewGoogleProvider(stub.credentials(), &fakeGoogleValidator{payload: &idtoken.Payload{Subject: "someone-else"}})
	_, err = mismatched.FetchProfile(context.Background(), token)
	assert.True(t, errors.Is(err, ErrProviderProfileFetch))

	rejecting := NewGoogleProvider(stub.credentials(), &fakeGoogleValidator{err: errors.New("bad signature")})
	_, err = rejecting.FetchProfile(context.Background(), token)
	assert.True(t, errors.Is(err, ErrProviderProfileFetch))
}

func TestStringFieldCoercion(t *testing.T) {
	raw := RawProfile{"number": json.Number("42"), "float": float64(7), "text": "value", "missing": nil}
	assert.Equal(t, "42", stringField(raw, "number"))
	assert.Equal(t, "7", stringField(raw, "float"))
	assert.Equal(t, "value", stringField(raw, "text"))
	assert.Equal(t, "", stringField(raw, "missing"))
}
