package sessionvalidator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_session"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

// DefaultTimeout bounds each call to the gateway when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

const maxResponseBytes = 1 << 20

// Sentinel errors exposed by the validator.
var (
	ErrMissingBaseURL = errors.New("session.validator.missing_base_url")
	ErrInvalidBaseURL = errors.New("session.validator.invalid_base_url")
	ErrMissingToken   = errors.New("session.validator.missing_token")
	ErrMissingCookie  = errors.New("session.validator.missing_cookie")
	ErrInvalidToken   = errors.New("session.validator.invalid_token")
	ErrUpstream       = errors.New("session.validator.upstream")
)

// Config configures the Validator.
type Config struct {
	// BaseURL is the gateway's session query endpoint, for example https://id.example.com/auth.
	BaseURL    string
	CookieName string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// User is the identity a session resolves to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Session is the gateway's view of a validated token.
type Session struct {
	User    User      `json:"user"`
	Expires time.Time `json:"expires"`
}

// GetUserID returns the user identifier from the session.
func (session *Session) GetUserID() string {
	if session == nil {
		return ""
	}
	return session.User.ID
}

// GetUserEmail returns the email associated with the session.
func (session *Session) GetUserEmail() string {
	if session == nil {
		return ""
	}
	return session.User.Email
}

// GetExpiresAt returns the expiry timestamp.
func (session *Session) GetExpiresAt() time.Time {
	if session == nil {
		return time.Time{}
	}
	return session.Expires
}

// Validator resolves session tokens by asking the gateway, so revocation is
// observed immediately by every service that uses it.
type Validator struct {
	endpoint   string
	cookieName string
	httpClient *http.Client
	timeout    time.Duration
}

type sessionResponse struct {
	User    *User     `json:"user"`
	Expires time.Time `json:"expires"`
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	baseURL := strings.TrimSpace(configuration.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingBaseURL)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("session.validator.new: %w: %s", ErrInvalidBaseURL, baseURL)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		endpoint:   parsed.String(),
		cookieName: cookieName,
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// ValidateToken asks the gateway to resolve token and returns the session.
func (validator *Validator) ValidateToken(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	requestCtx, cancel := context.WithTimeout(ctx, validator.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, validator.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrUpstream, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, err := validator.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrUpstream, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session.validator.validate_token: %w: status %d", ErrUpstream, response.StatusCode)
	}

	var payload sessionResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrUpstream, err)
	}
	if payload.User == nil || payload.User.ID == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return &Session{User: *payload.User, Expires: payload.Expires}, nil
}

// ValidateRequest reads the configured cookie, or the Authorization header when
// the cookie is absent, and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Session, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		return validator.ValidateToken(request.Context(), cookie.Value)
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if scheme, credential, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "Bearer") {
		header = strings.TrimSpace(credential)
	}
	if header == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	return validator.ValidateToken(request.Context(), header)
}

// GinMiddleware returns a Gin middleware that validates the session and injects it.
// Gateway outages surface as 503 so callers can tell them apart from bad credentials.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		session, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, ErrUpstream) {
				contextGin.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, session)
		contextGin.Next()
	}
}
