package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// tokenResponse es el body de /auth/login y /auth/refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"session_id,omitempty"`
}

func (r tokenResponse) tokens(now time.Time) Tokens {
	return Tokens{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}

// HTTPRefresher renueva contra POST {baseURL}/auth/refresh. Usa un cliente
// sin Transport de auth para no reentrar en el Coordinator.
type HTTPRefresher struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewHTTPRefresher(baseURL string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrRefreshTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Tokens{}, fmt.Errorf("%w: decode response: %v", ErrRefreshTransport, err)
		}
		if out.AccessToken == "" || out.RefreshToken == "" {
			return Tokens{}, fmt.Errorf("%w: incomplete token pair", ErrRefreshTransport)
		}
		return out.tokens(r.now()), nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusBadRequest:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Tokens{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Tokens{}, fmt.Errorf("%w: status %d", ErrRefreshTransport, resp.StatusCode)
	}
}
