package auth_test

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/auth/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestParseBasicAuth(t *testing.T) {
	creds, err := auth.ParseBasicAuth(basic("alice", "pa:ss"))
	require.NoError(t, err)
	assert.Equal(t, auth.Credentials{Username: "alice", Password: "pa:ss"}, creds)

	for _, header := range []string{"Bearer abc", "Basic !!!", "Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon"))} {
		_, err := auth.ParseBasicAuth(header)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials, header)
	}
}

func TestMiddleware(t *testing.T) {
	users := memory.New()
	require.NoError(t, users.AddUser("alice", "secret"))

	var seen *auth.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetPrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	withTicket := func(r *http.Request) bool { return r.Header.Get("Ticket") != "" }
	h := auth.Middleware(users, "test", auth.AllowAnonymous(withTicket))(next)

	tests := []struct {
		name      string
		header    map[string]string
		status    int
		principal string
	}{
		{"valid credentials", map[string]string{"Authorization": basic("alice", "secret")}, http.StatusNoContent, "alice"},
		{"wrong password", map[string]string{"Authorization": basic("alice", "nope")}, http.StatusUnauthorized, ""},
		{"no credentials", nil, http.StatusUnauthorized, ""},
		{"anonymous with ticket", map[string]string{"Ticket": "t1"}, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/alice/work", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, `Basic realm="test"`, rec.Header().Get("WWW-Authenticate"))
			}
			if tt.principal == "" {
				assert.Nil(t, seen)
			} else {
				require.NotNil(t, seen)
				assert.Equal(t, tt.principal, seen.ID)
			}
		})
	}
}
