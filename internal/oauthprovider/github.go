package oauthprovider

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	githubOAuth2 "golang.org/x/oauth2/github"
)

const (
	githubUserInfoEndpoint   = "https://api.github.com/user"
	githubUserEmailsEndpoint = "https://api.github.com/user/emails"
)

// GitHubCredentials extends Credentials with the emails endpoint override.
type GitHubCredentials struct {
	Credentials
	EmailsURL string
}

// GitHubProvider authenticates against GitHub. GitHub does not accept PKCE verifiers.
type GitHubProvider struct {
	*oauth2Adapter
	emailsURL string
}

// NewGitHubProvider builds the GitHub adapter.
func NewGitHubProvider(credentials GitHubCredentials) *GitHubProvider {
	emailsURL := credentials.EmailsURL
	if emailsURL == "" {
		emailsURL = githubUserEmailsEndpoint
	}
	return &GitHubProvider{
		oauth2Adapter: newOAuth2Adapter("github", Capabilities{UsesPKCE: false}, credentials.Credentials,
			githubOAuth2.Endpoint, []string{"read:user", "user:email"}, githubUserInfoEndpoint),
		emailsURL: emailsURL,
	}
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile reads /user and, when the public email is hidden, the primary
// verified address from /user/emails.
func (provider *GitHubProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (RawProfile, error) {
	raw, err := provider.oauth2Adapter.FetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	if stringField(raw, "email") != "" {
		return raw, nil
	}

	var emails []githubEmail
	if err := provider.getJSON(ctx, provider.emailsURL, token, &emails); err != nil {
		return nil, err
	}
	if selected := selectGitHubEmail(emails); selected != "" {
		raw["email"] = selected
	}
	return raw, nil
}

func selectGitHubEmail(emails []githubEmail) string {
	for _, candidate := range emails {
		if candidate.Primary && candidate.Verified {
			return candidate.Email
		}
	}
	for _, candidate := range emails {
		if candidate.Verified {
			return candidate.Email
		}
	}
	return ""
}

// NormalizeProfile maps the GitHub user document. The numeric id becomes a string.
func (provider *GitHubProvider) NormalizeProfile(raw RawProfile) (Profile, error) {
	accountID := stringField(raw, "id")
	if accountID == "" {
		return Profile{}, fmt.Errorf("github.normalize: %w", ErrIncompleteProfile)
	}
	return Profile{
		ProviderAccountID:   accountID,
		ProviderAccountName: stringField(raw, "login"),
		Email:               strings.TrimSpace(stringField(raw, "email")),
		Image:               stringField(raw, "avatar_url"),
	}, nil
}

var _ Provider = (*GitHubProvider)(nil)
