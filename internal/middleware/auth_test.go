package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, subject string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(NewValidator(testSecret, "me")), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(UserIDKey)})
	})
	return r
}

func do(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	rec := do(setupRouter(), "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(testSecret), "me", time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"me"}`, rec.Body.String())
}

func TestAuthMiddlewareRejects(t *testing.T) {
	r := setupRouter()
	cases := map[string]struct {
		header string
		code   int
	}{
		"missing":      {"", http.StatusUnauthorized},
		"malformed":    {"Token abc", http.StatusUnauthorized},
		"bad secret":   {"Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), "me", time.Hour), http.StatusUnauthorized},
		"expired":      {"Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), "me", -time.Minute), http.StatusUnauthorized},
		"other user":   {"Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), "u2", time.Hour), http.StatusForbidden},
		"empty bearer": {"Bearer ", http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.code, do(r, tc.header).Code)
		})
	}
}

func TestValidatorRejectsNoneAlgorithm(t *testing.T) {
	token := sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "me", time.Hour)
	_, err := NewValidator(testSecret, "me").Validate(token)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("abc")
	assert.False(t, ok)
}
