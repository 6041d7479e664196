package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-poster/internal/common"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, alg jwa.SignatureAlgorithm, subject string, issued, expires time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Issuer("poster-auth").
		Audience([]string{"poster-api"}).
		Subject(subject).
		IssuedAt(issued).
		NotBefore(issued).
		Expiration(expires).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Secret: testSecret, Issuer: "poster-auth", Audience: "poster-api", ClockSkew: time.Second})
	require.NoError(t, err)
	v.now = func() time.Time { return now }
	return v
}

func TestParseAccessToken(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	customer := uuid.New()

	got, err := v.ParseAccessToken(signToken(t, testSecret, jwa.HS256, customer.String(), now, now.Add(time.Minute)))
	require.NoError(t, err)
	require.Equal(t, customer, got)
}

func TestParseAccessTokenRejects(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	customer := uuid.New().String()

	cases := map[string]string{
		"wrong secret":    signToken(t, "other", jwa.HS256, customer, now, now.Add(time.Minute)),
		"wrong algorithm": signToken(t, testSecret, jwa.HS512, customer, now, now.Add(time.Minute)),
		"expired":         signToken(t, testSecret, jwa.HS256, customer, now.Add(-2*time.Hour), now.Add(-time.Hour)),
		"not a uuid":      signToken(t, testSecret, jwa.HS256, "user-42", now, now.Add(time.Minute)),
		"no subject":      signToken(t, testSecret, jwa.HS256, "", now, now.Add(time.Minute)),
		"garbage":         "not.a.token",
		"empty":           "  ",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.ParseAccessToken(token)
			require.Error(t, err)
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(Config{})
	require.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	customer := uuid.New()

	var seen uuid.UUID
	handler := Middleware{Tokens: v, AccessCookie: "access_token"}.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = common.CustomerID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwa.HS256, customer.String(), now, now.Add(time.Minute)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, customer, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: signToken(t, testSecret, jwa.HS256, customer.String(), now, now.Add(time.Minute))})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}
