package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

const (
	blanketAllowedMethods = "OPTIONS, GET, POST"
	blanketAllowedHeaders = "*"
)

// ConfigureCORS enables credentialed cross-origin requests for supplied origins.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// BlanketCORS stamps every response, 404s included, with the permissive
// wildcard policy and answers preflights with 204. Requests from one of the
// credentialedOrigins are handed to the credentialed policy instead, since
// browsers refuse a wildcard origin on credentialed requests.
func BlanketCORS(logger *zap.Logger, credentialedOrigins []string) (gin.HandlerFunc, error) {
	var credentialed gin.HandlerFunc
	trusted := make(map[string]struct{})
	if len(credentialedOrigins) > 0 {
		if logger == nil {
			logger = zap.NewNop()
		}
		sanitized, err := sanitizeOrigins(logger, credentialedOrigins)
		if err != nil {
			return nil, err
		}
		credentialed, err = ConfigureCORS(logger, sanitized)
		if err != nil {
			return nil, err
		}
		for _, origin := range sanitized {
			trusted[origin] = struct{}{}
		}
	}

	return func(contextGin *gin.Context) {
		if _, ok := trusted[contextGin.GetHeader("Origin")]; ok {
			credentialed(contextGin)
			return
		}
		header := contextGin.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", blanketAllowedMethods)
		header.Set("Access-Control-Allow-Headers", blanketAllowedHeaders)
		if contextGin.Request.Method == http.MethodOptions {
			contextGin.AbortWithStatus(http.StatusNoContent)
			return
		}
		contextGin.Next()
	}, nil
}

func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	if len(allowed) == 0 {
		return nil, errEmptyAllowedOrigins
	}

	cloned := make([]string, len(allowed))
	copy(cloned, allowed)
	sort.Strings(cloned)

	seen := make(map[string]struct{})
	sanitized := make([]string, 0, len(cloned))

	for _, origin := range cloned {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		parsed, parseErr := url.Parse(trimmed)
		if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
		}
		if parsed.Path != "" && parsed.Path != "/" {
			return nil, fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, trimmed)
		}
		if parsed.RawQuery != "" || parsed.Fragment != "" {
			return nil, fmt.Errorf("%w: %s contains query or fragment", errInvalidOrigin, trimmed)
		}
		scheme := strings.ToLower(parsed.Scheme)
		if scheme != "https" && scheme != "http" {
			return nil, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, trimmed)
		}

		normalized := fmt.Sprintf("%s://%s", scheme, parsed.Host)
		if _, exists := seen[normalized]; exists {
			continue
		}
		if scheme == "http" && !isDevelopmentHost(parsed.Hostname()) {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		seen[normalized] = struct{}{}
		sanitized = append(sanitized, normalized)
	}

	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}

	return sanitized, nil
}

func isDevelopmentHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1":
		return true
	default:
		return false
	}
}
