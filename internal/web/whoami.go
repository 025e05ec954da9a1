package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessiongate/internal/authkit"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the authenticated user placed on the context by authkit.RequireSession.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(contextGin *gin.Context) {
		result, found := authkit.SessionFromContext(contextGin)
		if !found {
			logger.Warn("missing session on context",
				zap.String("code", "api.me.missing_session"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user":    result.User,
			"expires": result.Expires,
		})
	}
}
