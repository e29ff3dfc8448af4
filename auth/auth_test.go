package auth_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/effective-security/mcpagent/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAndNone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tok, err := auth.None()(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)

	tok, err = auth.Static("Bearer abc")(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestClientCredentials(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, auth.DefaultScope, r.Form.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"jwt-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	defer srv.Close()

	supplier, err := auth.FromConfig(&auth.Config{
		Mode:         auth.ModeClientCredentials,
		TokenURL:     srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
	}, srv.Client())
	require.NoError(t, err)

	ctx := context.Background()
	tok, err := supplier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", tok)

	// never cached
	tok, err = supplier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-2", tok)
}

func TestClientCredentials_Error(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	supplier := auth.ClientCredentials(&auth.Config{TokenURL: srv.URL, ClientID: "id"}, nil)
	_, err := supplier(context.Background())
	assert.ErrorContains(t, err, "failed to obtain access token")
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  *auth.Config
		err  string
	}{
		{"nil", nil, ""},
		{"empty", &auth.Config{}, ""},
		{"none", &auth.Config{Mode: "NONE"}, ""},
		{"static", &auth.Config{Mode: "static", Token: "t"}, ""},
		{"static_no_token", &auth.Config{Mode: "static"}, "auth: token is required for static mode"},
		{"cc_missing", &auth.Config{Mode: "client_credentials"}, "auth: token_url and client_id are required for client_credentials mode"},
		{"unknown", &auth.Config{Mode: "kerberos"}, "auth: unsupported mode: kerberos"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := auth.FromConfig(tc.cfg, nil)
			if tc.err != "" {
				assert.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}
