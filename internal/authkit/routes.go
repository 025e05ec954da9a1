package authkit

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessiongate/internal/oauthprovider"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const signOutRedirect = "/"

// ProviderLookup resolves an OAuth provider by name.
type ProviderLookup interface {
	Lookup(name string) (oauthprovider.Provider, error)
}

// Gateway serves the session query, OAuth start, OAuth callback, and sign-out routes.
// It keeps no per-flow state: the OAuth state and verifier travel in short-lived cookies.
type Gateway struct {
	configuration ServerConfig
	providers     ProviderLookup
	linker        *IdentityLinker
	sessions      *SessionStore
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// GatewayDependencies groups the collaborators of a Gateway.
type GatewayDependencies struct {
	Providers ProviderLookup
	Linker    *IdentityLinker
	Sessions  *SessionStore
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

// NewGateway constructs a Gateway after validating configuration.
func NewGateway(configuration ServerConfig, dependencies GatewayDependencies) (*Gateway, error) {
	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	if dependencies.Providers == nil || dependencies.Linker == nil || dependencies.Sessions == nil {
		return nil, errors.New("gateway.new: providers, linker, and sessions are required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Gateway{
		configuration: configuration.withDefaults(),
		providers:     dependencies.Providers,
		linker:        dependencies.Linker,
		sessions:      dependencies.Sessions,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// BasePath returns the resolved route prefix.
func (gateway *Gateway) BasePath() string {
	return gateway.configuration.BasePath
}

// Mount registers the auth routes under the base path, the catch-all preflight
// handler, and the JSON 404 fallback.
func (gateway *Gateway) Mount(engine *gin.Engine) {
	group := engine.Group(gateway.configuration.BasePath)
	group.GET("", gateway.handleSession)
	group.GET("/oauth/:provider", gateway.handleOAuthStart)
	group.GET("/oauth/:provider/callback", gateway.handleOAuthCallback)
	group.POST("/sign-out", gateway.handleSignOut)

	engine.OPTIONS("/*path", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})
	engine.NoRoute(func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// CurrentSession resolves the session presented on request. It is the query
// entrypoint for server-side callers that hold the request but not a gin context.
func (gateway *Gateway) CurrentSession(request *http.Request) (SessionResult, error) {
	token, _ := extractSessionToken(request, gateway.configuration.SessionCookieName)
	return gateway.sessions.ValidateSessionToken(request.Context(), token)
}

func (gateway *Gateway) handleSession(contextGin *gin.Context) {
	token, fromCookie := extractSessionToken(contextGin.Request, gateway.configuration.SessionCookieName)
	result, err := gateway.sessions.ValidateSessionToken(contextGin.Request.Context(), token)
	if err != nil {
		gateway.logger.Error("session query failed",
			zap.String("code", "auth.session.query_failed"),
			zap.Error(err))
		gateway.writeAuthError(contextGin, "", err)
		return
	}
	if result.Renewed && fromCookie {
		gateway.writeSessionCookie(contextGin, token, result.Expires)
	}
	contextGin.JSON(http.StatusOK, result)
}

func (gateway *Gateway) handleOAuthStart(contextGin *gin.Context) {
	providerName := contextGin.Param("provider")
	provider, err := gateway.providers.Lookup(providerName)
	if err != nil {
		gateway.writeAuthError(contextGin, providerName, err)
		return
	}

	state, err := generateOpaque(oauthStateByteLength)
	if err != nil {
		gateway.logger.Error("oauth state generation failed",
			zap.String("code", "auth.oauth.start.state_failed"),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		gateway.writeAuthError(contextGin, provider.Name(), err)
		return
	}
	codeVerifier := oauth2.GenerateVerifier()

	authorizationURL, err := provider.AuthorizationURL(state, codeVerifier)
	if err != nil {
		gateway.logger.Error("authorization url failed",
			zap.String("code", "auth.oauth.start.url_failed"),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		gateway.writeAuthError(contextGin, provider.Name(), err)
		return
	}

	gateway.writeTransientCookie(contextGin, oauthStateCookieName, state)
	gateway.writeTransientCookie(contextGin, codeVerifierCookieName, codeVerifier)
	gateway.metrics.Increment(metricOAuthStart)
	gateway.logger.Info("oauth flow started",
		zap.String("code", "auth.oauth.start"),
		zap.String("provider", provider.Name()))
	contextGin.Redirect(http.StatusFound, authorizationURL)
}

func (gateway *Gateway) handleOAuthCallback(contextGin *gin.Context) {
	providerName := contextGin.Param("provider")
	provider, err := gateway.providers.Lookup(providerName)
	if err != nil {
		gateway.writeAuthError(contextGin, providerName, err)
		return
	}

	storedState := readCookie(contextGin.Request, oauthStateCookieName)
	storedVerifier := readCookie(contextGin.Request, codeVerifierCookieName)
	gateway.clearTransientCookies(contextGin)

	user, session, err := gateway.completeOAuth(contextGin, provider, storedState, storedVerifier)
	if err != nil {
		gateway.metrics.Increment(metricOAuthCallbackFailure)
		gateway.logger.Warn("oauth callback failed",
			zap.String("code", callbackFailureCode(err)),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		gateway.writeAuthError(contextGin, provider.Name(), err)
		return
	}

	gateway.writeSessionCookie(contextGin, session.Token, session.ExpiresAt)
	gateway.metrics.Increment(metricOAuthCallbackSuccess)
	gateway.logger.Info("oauth callback completed",
		zap.String("code", "auth.oauth.callback.success"),
		zap.String("provider", provider.Name()),
		zap.String("user_id", user.ID))
	contextGin.Redirect(http.StatusFound, gateway.configuration.PostLoginRedirect)
}

func (gateway *Gateway) completeOAuth(contextGin *gin.Context, provider oauthprovider.Provider, storedState string, storedVerifier string) (User, Session, error) {
	code := contextGin.Query("code")
	state := contextGin.Query("state")
	if code == "" || state == "" || storedState == "" {
		return User{}, Session{}, ErrInvalidState
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(storedState)) != 1 {
		return User{}, Session{}, ErrInvalidState
	}
	if provider.Capabilities().UsesPKCE && storedVerifier == "" {
		return User{}, Session{}, fmt.Errorf("%w: missing code verifier", ErrInvalidState)
	}

	ctx := contextGin.Request.Context()
	token, err := provider.ExchangeCode(ctx, code, storedVerifier)
	if err != nil {
		return User{}, Session{}, err
	}
	rawProfile, err := provider.FetchProfile(ctx, token)
	if err != nil {
		return User{}, Session{}, err
	}
	profile, err := provider.NormalizeProfile(rawProfile)
	if err != nil {
		return User{}, Session{}, err
	}
	user, err := gateway.linker.LinkOrCreateUser(ctx, provider.Name(), profile)
	if err != nil {
		return User{}, Session{}, err
	}
	session, err := gateway.sessions.CreateSession(ctx, user.ID)
	if err != nil {
		return User{}, Session{}, err
	}
	return user, session, nil
}

func (gateway *Gateway) handleSignOut(contextGin *gin.Context) {
	token := readCookie(contextGin.Request, gateway.configuration.SessionCookieName)
	if token != "" {
		if err := gateway.sessions.InvalidateSessionToken(contextGin.Request.Context(), token); err != nil {
			gateway.logger.Error("sign out failed",
				zap.String("code", "auth.signout.invalidate_failed"),
				zap.Error(err))
			gateway.writeAuthError(contextGin, "", err)
			return
		}
		gateway.metrics.Increment(metricSignOut)
		gateway.logger.Info("session signed out", zap.String("code", "auth.signout"))
	}
	gateway.clearCookie(contextGin, gateway.configuration.SessionCookieName)
	contextGin.Redirect(http.StatusFound, signOutRedirect)
}

// writeAuthError maps every gateway failure to a JSON body without internal detail.
func (gateway *Gateway) writeAuthError(contextGin *gin.Context, providerName string, err error) {
	var providerErr *oauthprovider.ProviderError
	switch {
	case errors.Is(err, oauthprovider.ErrUnsupportedProvider):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Provider not supported"})
	case errors.Is(err, ErrInvalidState):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid state"})
	case errors.As(err, &providerErr):
		body := gin.H{"error": fmt.Sprintf("Failed to sign in with %s", providerName)}
		if providerErr.Description != "" {
			body["description"] = providerErr.Description
		}
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, body)
	case errors.Is(err, ErrMissingEmail):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s did not share an email address", providerName)})
	case errors.Is(err, ErrBrokenAccountLink), errors.Is(err, oauthprovider.ErrIncompleteProfile):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to sign in with %s", providerName)})
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "An unknown error occurred"})
	}
}

func callbackFailureCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "auth.oauth.callback.invalid_state"
	case errors.Is(err, oauthprovider.ErrProviderExchange):
		return "auth.oauth.callback.exchange_failed"
	case errors.Is(err, oauthprovider.ErrProviderProfileFetch):
		return "auth.oauth.callback.profile_failed"
	case errors.Is(err, ErrMissingEmail):
		return "auth.oauth.callback.missing_email"
	case errors.Is(err, ErrBrokenAccountLink):
		return "auth.oauth.callback.broken_link"
	default:
		return "auth.oauth.callback.failure"
	}
}
