// Package auth implements the rpc v1 authentication modes.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ralph-workflows/ralph-api/pkg/config"
	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// TrustedLocalPrincipal is the principal assigned to every caller in
// trusted_local mode.
const TrustedLocalPrincipal = "trusted_local"

// Authenticator authorizes a request and yields the caller principal.
// WebSocket upgrades pass a nil meta because only headers are available.
type Authenticator interface {
	Authorize(header http.Header, meta *protocol.AuthMeta) (string, *protocol.Error)
	Mode() config.AuthMode
}

// FromConfig builds the authenticator for the configured mode.
func FromConfig(cfg config.ApiConfig) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthTrustedLocal:
		return &TrustedLocal{}, nil
	case config.AuthToken:
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, fmt.Errorf("token auth mode requires a configured token")
		}
		return &Token{token: cfg.Token}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// TrustedLocal accepts every caller. Config validation guarantees the
// server only binds a loopback interface in this mode.
type TrustedLocal struct{}

func (a *TrustedLocal) Authorize(http.Header, *protocol.AuthMeta) (string, *protocol.Error) {
	return TrustedLocalPrincipal, nil
}

func (a *TrustedLocal) Mode() config.AuthMode { return config.AuthTrustedLocal }

// Token requires a shared bearer token, taken from the Authorization
// header or, for HTTP requests, from meta.auth when meta.auth.mode is
// "token". The accepted token becomes the principal.
type Token struct {
	token string
}

func (a *Token) Authorize(header http.Header, meta *protocol.AuthMeta) (string, *protocol.Error) {
	presented := bearerToken(header)
	if presented == "" && meta != nil && meta.Mode == string(config.AuthToken) {
		presented = meta.Token
	}
	if presented == "" {
		return "", protocol.NewUnauthorized("token auth is enabled and no token was provided")
	}
	if presented != a.token {
		return "", protocol.NewUnauthorized("invalid token")
	}
	return presented, nil
}

func (a *Token) Mode() config.AuthMode { return config.AuthToken }

// bearerToken extracts the token from an Authorization header,
// accepting both "Bearer " and "bearer " prefixes.
func bearerToken(header http.Header) string {
	raw := strings.TrimSpace(header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	for _, prefix := range []string{"Bearer ", "bearer "} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(raw, prefix))
		}
	}
	return ""
}
