package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_StaticToken(t *testing.T) {
	svc := NewTokenService("static-token", "", logr.Discard())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, "static-token", svc.GetToken())
}

func TestTokenService_FileTokenWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("file-token"), 0o600))

	svc := NewTokenService("static-token", path, logr.Discard())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, "file-token", svc.GetToken())
}

func TestTokenService_MissingFileFallsBackToStatic(t *testing.T) {
	svc := NewTokenService("static-token", filepath.Join(t.TempDir(), "absent"), logr.Discard())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, "static-token", svc.GetToken())
}

func TestTokenService_NoTokenConfigured(t *testing.T) {
	svc := NewTokenService("", "", logr.Discard())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Empty(t, svc.GetToken())
}
