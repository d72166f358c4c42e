package steamiq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenManager handles JWT token acquisition and refresh.
// It is safe for concurrent use.
type tokenManager struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	margin   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time // zero when the token carries no exp claim
}

func newTokenManager(baseURL, username, password string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   client,
		margin:   30 * time.Second,
		now:      time.Now,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && (tm.expiresAt.IsZero() || tm.now().Before(tm.expiresAt.Add(-tm.margin))) {
		return tm.token, nil
	}

	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// invalidate drops token if it is still the cached one, so the next
// getToken logs in again.
func (tm *tokenManager) invalidate(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token == token {
		tm.token = ""
		tm.expiresAt = time.Time{}
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Username: tm.username, Password: tm.password})
	if err != nil {
		return fmt.Errorf("steamiq: marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("steamiq: create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("steamiq: login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("steamiq: login: %w", &Error{StatusCode: resp.StatusCode, Message: string(msg)})
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("steamiq: decode login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("steamiq: login response carries no token")
	}

	tm.token = lr.Token
	tm.expiresAt = tokenExpiry(lr.Token)
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is only ever sent back to the server that issued it.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
