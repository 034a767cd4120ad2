package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-workflows/ralph-api/pkg/config"
	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

func TestTrustedLocal(t *testing.T) {
	a := &TrustedLocal{}
	principal, err := a.Authorize(http.Header{}, nil)
	require.Nil(t, err)
	assert.Equal(t, "trusted_local", principal)
	assert.Equal(t, config.AuthTrustedLocal, a.Mode())
}

func TestToken_HeaderVariants(t *testing.T) {
	a := &Token{token: "s3cret"}

	for _, value := range []string{"Bearer s3cret", "bearer s3cret", "Bearer  s3cret "} {
		header := http.Header{}
		header.Set("Authorization", value)
		principal, err := a.Authorize(header, nil)
		require.Nil(t, err, value)
		assert.Equal(t, "s3cret", principal)
	}
}

func TestToken_MetaFallback(t *testing.T) {
	a := &Token{token: "s3cret"}

	principal, err := a.Authorize(http.Header{}, &protocol.AuthMeta{Mode: "token", Token: "s3cret"})
	require.Nil(t, err)
	assert.Equal(t, "s3cret", principal)

	// meta token only counts when meta.auth.mode is "token"
	_, err = a.Authorize(http.Header{}, &protocol.AuthMeta{Mode: "trusted_local", Token: "s3cret"})
	require.NotNil(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, err.Code)
	assert.Equal(t, "token auth is enabled and no token was provided", err.Message)
}

func TestToken_Rejections(t *testing.T) {
	a := &Token{token: "s3cret"}

	_, err := a.Authorize(http.Header{}, nil)
	require.NotNil(t, err)
	assert.Equal(t, "token auth is enabled and no token was provided", err.Message)

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, err = a.Authorize(header, nil)
	require.NotNil(t, err)
	assert.Equal(t, "invalid token", err.Message)

	// Unknown scheme is treated as no token presented.
	header.Set("Authorization", "Basic s3cret")
	_, err = a.Authorize(header, nil)
	require.NotNil(t, err)
	assert.Equal(t, "token auth is enabled and no token was provided", err.Message)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	a, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &TrustedLocal{}, a)

	cfg.AuthMode = config.AuthToken
	_, err = FromConfig(cfg)
	assert.Error(t, err)

	cfg.Token = "abc"
	a, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Token{}, a)
}
