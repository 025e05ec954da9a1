package authkit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/tyemirov/sessiongate/internal/oauthprovider"
	"golang.org/x/oauth2"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type exchangeCall struct {
	code         string
	codeVerifier string
}

// stubProvider drives the gateway without network access.
type stubProvider struct {
	name        string
	usesPKCE    bool
	profile     oauthprovider.Profile
	exchangeErr error
	profileErr  error

	mutex     sync.Mutex
	exchanges []exchangeCall
}

func (provider *stubProvider) Name() string {
	return provider.name
}

func (provider *stubProvider) Capabilities() oauthprovider.Capabilities {
	return oauthprovider.Capabilities{UsesPKCE: provider.usesPKCE}
}

func (provider *stubProvider) AuthorizationURL(state string, codeVerifier string) (string, error) {
	query := url.Values{}
	query.Set("state", state)
	if provider.usesPKCE {
		query.Set("code_challenge", oauth2.S256ChallengeFromVerifier(codeVerifier))
	}
	return "https://" + provider.name + ".example/authorize?" + query.Encode(), nil
}

func (provider *stubProvider) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
	provider.mutex.Lock()
	provider.exchanges = append(provider.exchanges, exchangeCall{code: code, codeVerifier: codeVerifier})
	provider.mutex.Unlock()
	if provider.exchangeErr != nil {
		return nil, provider.exchangeErr
	}
	return &oauth2.Token{AccessToken: "access-" + code, TokenType: "Bearer"}, nil
}

func (provider *stubProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (oauthprovider.RawProfile, error) {
	if provider.profileErr != nil {
		return nil, provider.profileErr
	}
	return oauthprovider.RawProfile{
		"id":    provider.profile.ProviderAccountID,
		"name":  provider.profile.ProviderAccountName,
		"email": provider.profile.Email,
		"image": provider.profile.Image,
	}, nil
}

func (provider *stubProvider) NormalizeProfile(raw oauthprovider.RawProfile) (oauthprovider.Profile, error) {
	accountID, _ := raw["id"].(string)
	if accountID == "" {
		return oauthprovider.Profile{}, oauthprovider.ErrIncompleteProfile
	}
	name, _ := raw["name"].(string)
	email, _ := raw["email"].(string)
	image, _ := raw["image"].(string)
	return oauthprovider.Profile{
		ProviderAccountID:   accountID,
		ProviderAccountName: name,
		Email:               email,
		Image:               image,
	}, nil
}

func (provider *stubProvider) recordedExchanges() []exchangeCall {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return append([]exchangeCall(nil), provider.exchanges...)
}

type failingSessionRepository struct {
	SessionRepository
	err error
}

func (repository failingSessionRepository) FindSessionByTokenHash(ctx context.Context, tokenHash string) (SessionRecord, error) {
	return SessionRecord{}, repository.err
}

func (repository failingSessionRepository) DeleteSession(ctx context.Context, tokenHash string) error {
	return repository.err
}
