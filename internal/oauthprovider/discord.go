package oauthprovider

import (
	"fmt"

	"golang.org/x/oauth2"
)

const (
	discordUserInfoEndpoint = "https://discord.com/api/users/@me"
	discordAvatarURLFormat  = "https://cdn.discordapp.com/avatars/%s/%s.png"
)

var discordEndpoint = oauth2.Endpoint{
	AuthURL:   "https://discord.com/oauth2/authorize",
	TokenURL:  "https://discord.com/api/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// DiscordProvider authenticates against Discord with PKCE.
type DiscordProvider struct {
	*oauth2Adapter
}

// NewDiscordProvider builds the Discord adapter.
func NewDiscordProvider(credentials Credentials) *DiscordProvider {
	return &DiscordProvider{
		oauth2Adapter: newOAuth2Adapter("discord", Capabilities{UsesPKCE: true}, credentials,
			discordEndpoint, []string{"identify", "email"}, discordUserInfoEndpoint),
	}
}

// NormalizeProfile maps the Discord user document and templates the CDN avatar URL.
// The email is kept only when Discord reports it verified.
func (provider *DiscordProvider) NormalizeProfile(raw RawProfile) (Profile, error) {
	accountID := stringField(raw, "id")
	if accountID == "" {
		return Profile{}, fmt.Errorf("discord.normalize: %w", ErrIncompleteProfile)
	}
	image := ""
	if avatar := stringField(raw, "avatar"); avatar != "" {
		image = fmt.Sprintf(discordAvatarURLFormat, accountID, avatar)
	}
	return Profile{
		ProviderAccountID:   accountID,
		ProviderAccountName: stringField(raw, "username"),
		Email:               verifiedEmail(raw, "email", "verified"),
		Image:               image,
	}, nil
}

var _ Provider = (*DiscordProvider)(nil)
