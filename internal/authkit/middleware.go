package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ContextKeySession is the gin context key holding the validated SessionResult.
const ContextKeySession = "auth_session"

// RequireSession validates the presented session token and injects the SessionResult.
func RequireSession(configuration ServerConfig, sessions *SessionStore, logger *zap.Logger) gin.HandlerFunc {
	resolved := configuration.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		token, _ := extractSessionToken(contextGin.Request, resolved.SessionCookieName)
		if token == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		result, err := sessions.ValidateSessionToken(contextGin.Request.Context(), token)
		if err != nil {
			logger.Error("session validation failed",
				zap.String("code", "auth.require_session.validate_failed"),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if !result.Authenticated() {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		contextGin.Set(ContextKeySession, result)
		contextGin.Next()
	}
}

// SessionFromContext returns the SessionResult stored by RequireSession.
func SessionFromContext(contextGin *gin.Context) (SessionResult, bool) {
	value, found := contextGin.Get(ContextKeySession)
	if !found {
		return SessionResult{}, false
	}
	result, ok := value.(SessionResult)
	if !ok || !result.Authenticated() {
		return SessionResult{}, false
	}
	return result, true
}
