package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by ServerConfig.withDefaults.
const (
	DefaultBasePath          = "/auth"
	DefaultSessionCookieName = "app_session"
	DefaultSessionTTL        = 30 * 24 * time.Hour
	DefaultOAuthStateTTL     = 10 * time.Minute
	DefaultPostLoginRedirect = "/"
)

var errInvalidRenewalWindow = errors.New("config.invalid_session_renewal_window")

// ServerConfig configures the gateway routes, cookies, and session lifetimes.
type ServerConfig struct {
	BasePath          string
	CookieDomain      string
	SessionCookieName string
	SessionTTL        time.Duration
	// SessionRenewalWindow is the remaining lifetime below which a validated
	// session is extended. Zero means the last third of SessionTTL.
	SessionRenewalWindow time.Duration
	OAuthStateTTL        time.Duration
	PostLoginRedirect    string
	// Production enables the Secure attribute on every cookie.
	Production bool
}

func (configuration ServerConfig) withDefaults() ServerConfig {
	if strings.TrimSpace(configuration.BasePath) == "" {
		configuration.BasePath = DefaultBasePath
	}
	configuration.BasePath = "/" + strings.Trim(configuration.BasePath, "/")
	if strings.TrimSpace(configuration.SessionCookieName) == "" {
		configuration.SessionCookieName = DefaultSessionCookieName
	}
	if configuration.SessionTTL <= 0 {
		configuration.SessionTTL = DefaultSessionTTL
	}
	if configuration.SessionRenewalWindow <= 0 {
		configuration.SessionRenewalWindow = configuration.SessionTTL / 3
	}
	if configuration.OAuthStateTTL <= 0 {
		configuration.OAuthStateTTL = DefaultOAuthStateTTL
	}
	if strings.TrimSpace(configuration.PostLoginRedirect) == "" {
		configuration.PostLoginRedirect = DefaultPostLoginRedirect
	}
	return configuration
}

// Validate reports configuration combinations the gateway cannot honor.
func (configuration ServerConfig) Validate() error {
	resolved := configuration.withDefaults()
	if resolved.SessionRenewalWindow >= resolved.SessionTTL {
		return fmt.Errorf("%w: renewal window %s must be shorter than session ttl %s",
			errInvalidRenewalWindow, resolved.SessionRenewalWindow, resolved.SessionTTL)
	}
	return nil
}
