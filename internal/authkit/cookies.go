package authkit

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	oauthStateCookieName   = "oauth_state"
	codeVerifierCookieName = "code_verifier"
	cookiePath             = "/"
)

func (gateway *Gateway) newCookie(name string, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cookiePath,
		Domain:   gateway.configuration.CookieDomain,
		Secure:   gateway.configuration.Production,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (gateway *Gateway) writeSessionCookie(contextGin *gin.Context, token string, expiresAt time.Time) {
	cookie := gateway.newCookie(gateway.configuration.SessionCookieName, token)
	cookie.Expires = expiresAt
	http.SetCookie(contextGin.Writer, cookie)
}

func (gateway *Gateway) writeTransientCookie(contextGin *gin.Context, name string, value string) {
	cookie := gateway.newCookie(name, value)
	cookie.MaxAge = int(gateway.configuration.OAuthStateTTL / time.Second)
	http.SetCookie(contextGin.Writer, cookie)
}

func (gateway *Gateway) clearCookie(contextGin *gin.Context, name string) {
	cookie := gateway.newCookie(name, "")
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0).UTC()
	http.SetCookie(contextGin.Writer, cookie)
}

func (gateway *Gateway) clearTransientCookies(contextGin *gin.Context) {
	gateway.clearCookie(contextGin, oauthStateCookieName)
	gateway.clearCookie(contextGin, codeVerifierCookieName)
}

func readCookie(request *http.Request, name string) string {
	cookie, err := request.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// extractSessionToken prefers the session cookie and falls back to the
// Authorization header, accepting "Bearer <token>" or the bare token.
func extractSessionToken(request *http.Request, cookieName string) (string, bool) {
	if token := readCookie(request, cookieName); token != "" {
		return token, true
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	if scheme, credential, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(credential), false
	}
	return header, false
}
