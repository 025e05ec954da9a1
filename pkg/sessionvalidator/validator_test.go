package sessionvalidator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const validToken = "valid-token"

var gatewayExpiry = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

func newGatewayStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/auth" {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		switch request.Header.Get("Authorization") {
		case "Bearer " + validToken:
			_ = json.NewEncoder(writer).Encode(map[string]any{
				"user":    map[string]string{"id": "user-123", "email": "user@example.com", "name": "Demo User"},
				"expires": gatewayExpiry,
			})
		case "Bearer broken":
			writer.WriteHeader(http.StatusBadRequest)
		default:
			_ = json.NewEncoder(writer).Encode(map[string]any{"expires": time.Now().UTC()})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestValidator(t *testing.T, server *httptest.Server) *Validator {
	t.Helper()
	validator, err := New(Config{BaseURL: server.URL + "/auth", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return validator
}

func TestNewValidatorRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
	if _, err := New(Config{BaseURL: "ftp://gateway"}); !errors.Is(err, ErrInvalidBaseURL) {
		t.Fatalf("expected invalid base url error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{BaseURL: "https://id.example.com/auth"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.cookieName != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.cookieName)
	}
	if validator.timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %v", validator.timeout)
	}
}

func TestValidateToken(t *testing.T) {
	t.Parallel()
	validator := newTestValidator(t, newGatewayStub(t))

	session, err := validator.ValidateToken(context.Background(), validToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.GetUserID() != "user-123" || session.GetUserEmail() != "user@example.com" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.GetExpiresAt().Equal(gatewayExpiry) {
		t.Fatalf("unexpected expiry %v", session.GetExpiresAt())
	}

	testCases := []struct {
		token    string
		expected error
	}{
		{token: "", expected: ErrMissingToken},
		{token: "revoked", expected: ErrInvalidToken},
		{token: "broken", expected: ErrUpstream},
	}
	for _, testCase := range testCases {
		if _, err := validator.ValidateToken(context.Background(), testCase.token); !errors.Is(err, testCase.expected) {
			t.Fatalf("token %q: expected %v, got %v", testCase.token, testCase.expected, err)
		}
	}
}

func TestValidateRequestSources(t *testing.T) {
	t.Parallel()
	validator := newTestValidator(t, newGatewayStub(t))

	cookieRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: validToken})
	if _, err := validator.ValidateRequest(cookieRequest); err != nil {
		t.Fatalf("cookie: unexpected error %v", err)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	headerRequest.Header.Set("Authorization", "Bearer "+validToken)
	if _, err := validator.ValidateRequest(headerRequest); err != nil {
		t.Fatalf("header: unexpected error %v", err)
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrMissingCookie) {
		t.Fatalf("expected missing cookie error, got %v", err)
	}
	if _, err := validator.ValidateRequest(nil); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestGinMiddleware(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	validator := newTestValidator(t, newGatewayStub(t))

	router := gin.New()
	router.Use(validator.GinMiddleware(""))
	router.GET("/private", func(contextGin *gin.Context) {
		value, found := contextGin.Get(DefaultContextKey)
		session, ok := value.(*Session)
		if !found || !ok {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		contextGin.String(http.StatusOK, session.GetUserID())
	})

	testCases := []struct {
		name     string
		header   string
		expected int
	}{
		{name: "valid", header: "Bearer " + validToken, expected: http.StatusOK},
		{name: "anonymous", header: "Bearer revoked", expected: http.StatusUnauthorized},
		{name: "missing", expected: http.StatusUnauthorized},
		{name: "gateway failure", header: "Bearer broken", expected: http.StatusServiceUnavailable},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, "/private", nil)
		if testCase.header != "" {
			request.Header.Set("Authorization", testCase.header)
		}
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.expected {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expected, recorder.Code)
		}
		if testCase.expected == http.StatusOK && !strings.Contains(recorder.Body.String(), "user-123") {
			t.Fatalf("%s: unexpected body %q", testCase.name, recorder.Body.String())
		}
	}
}
