// Package auth provides token suppliers used to authenticate calls to tool servers.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "auth")

const (
	// ModeNone disables authentication
	ModeNone = "none"
	// ModeStatic uses the configured token
	ModeStatic = "static"
	// ModeClientCredentials obtains a JWT with OAuth2 client credentials grant
	ModeClientCredentials = "client_credentials"

	// DefaultScope is the scope requested when none is configured
	DefaultScope = "urn:opc:idm:__myscopes__"
)

// TokenSupplier returns a bearer token for a tool server call.
// An empty token means the call is not authenticated.
// A supplier is invoked for every call, the result must not be cached by callers.
type TokenSupplier func(ctx context.Context) (string, error)

// Config specifies how tokens are obtained
type Config struct {
	// Mode is one of none|static|client_credentials
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=none static client_credentials"`
	// Token is the static token
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// TokenURL is the token endpoint of the identity provider
	TokenURL string `json:"token_url,omitempty" yaml:"token_url,omitempty" validate:"omitempty,url"`
	// ClientID for client_credentials mode
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	// ClientSecret for client_credentials mode
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	// Scope for client_credentials mode, DefaultScope if empty
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// None returns a supplier without token
func None() TokenSupplier {
	return func(context.Context) (string, error) {
		return "", nil
	}
}

// Static returns a supplier of the same token
func Static(token string) TokenSupplier {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// ClientCredentials returns a supplier that requests a fresh access token
// from the identity provider on every invocation.
// The optional client is used for requests to the token endpoint.
func ClientCredentials(cfg *Config, client *http.Client) TokenSupplier {
	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       strings.Fields(scope),
	}

	return func(ctx context.Context) (string, error) {
		if client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}
		tok, err := cc.Token(ctx)
		if err != nil {
			logger.ContextKV(ctx, xlog.ERROR,
				"reason", "token",
				"token_url", cc.TokenURL,
				"client_id", cc.ClientID,
				"err", err.Error())
			return "", errors.Wrap(err, "failed to obtain access token")
		}
		return tok.AccessToken, nil
	}
}

// FromConfig returns the supplier for the configured mode
func FromConfig(cfg *Config, client *http.Client) (TokenSupplier, error) {
	if cfg == nil {
		return None(), nil
	}
	switch strings.ToLower(cfg.Mode) {
	case "", ModeNone:
		return None(), nil
	case ModeStatic:
		if cfg.Token == "" {
			return nil, errors.New("auth: token is required for static mode")
		}
		return Static(cfg.Token), nil
	case ModeClientCredentials:
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return nil, errors.New("auth: token_url and client_id are required for client_credentials mode")
		}
		return ClientCredentials(cfg, client), nil
	}
	return nil, errors.Newf("auth: unsupported mode: %s", cfg.Mode)
}
