// Package auth supplies the bearer token used to authenticate against the
// agent engine. Tokens can be static (from configuration) or read from a
// mounted file that is refreshed periodically, so rotated credentials are
// picked up without restarting the client.
package auth

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/loomchat/loom/pkg/app/errors"
)

// DefaultRefreshPeriod is how often a file-backed token is re-read.
const DefaultRefreshPeriod = 60 * time.Second

// TokenService resolves the current engine token. A file-backed token takes
// precedence over the static one when both are configured.
type TokenService struct {
	static        string
	tokenPath     string
	refreshPeriod time.Duration
	log           logr.Logger

	mu     sync.RWMutex
	token  string
	stopCh chan struct{}
}

// NewTokenService creates a token service. Either argument may be empty.
func NewTokenService(static, tokenPath string, log logr.Logger) *TokenService {
	return &TokenService{
		static:        static,
		tokenPath:     tokenPath,
		refreshPeriod: DefaultRefreshPeriod,
		log:           log.WithName("auth"),
		stopCh:        make(chan struct{}),
	}
}

// Start loads the file-backed token and begins the refresh cycle. Without a
// token path it is a no-op and GetToken serves the static token.
func (t *TokenService) Start(ctx context.Context) error {
	if t.tokenPath == "" {
		return nil
	}
	if err := t.refreshToken(); err != nil {
		return apperrors.New(apperrors.ErrCodeAuthFailed, "failed to load initial token", err)
	}

	ticker := time.NewTicker(t.refreshPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.refreshToken(); err != nil {
					t.log.Error(err, "token refresh failed", "path", t.tokenPath)
				}
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			}
		}
	}()

	return nil
}

// Stop ends the refresh cycle.
func (t *TokenService) Stop() {
	close(t.stopCh)
}

func (t *TokenService) refreshToken() error {
	data, err := os.ReadFile(t.tokenPath)
	if err != nil {
		// A missing file is tolerated so local setups can run without a
		// mounted token.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	t.mu.Lock()
	t.token = string(data)
	t.mu.Unlock()
	return nil
}

// GetToken returns the current token, preferring the file-backed one.
func (t *TokenService) GetToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token != "" {
		return t.token
	}
	return t.static
}
