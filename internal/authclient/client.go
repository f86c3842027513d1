package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// SessionSummary es una sesion activa tal como la lista GET /sessions.
type SessionSummary struct {
	ID             string    `json:"id"`
	DeviceInfo     string    `json:"device_info"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsCurrent      bool      `json:"is_current"`
}

// StatusError es una respuesta no exitosa de la API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	BaseURL        string
	RequestTimeout time.Duration
	Coordinator    Options
	Logger         *zap.Logger
}

// Client habla con la API de sesiones. Las llamadas autenticadas pasan por
// un Transport que comparte un unico Coordinator.
type Client struct {
	baseURL string
	coord   *Coordinator
	authed  *http.Client
	plain   *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

func NewClient(opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Coordinator.Logger == nil {
		opts.Coordinator.Logger = opts.Logger
	}
	now := opts.Coordinator.Now
	if now == nil {
		now = time.Now
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	plain := &http.Client{Timeout: opts.RequestTimeout}
	refresher := NewHTTPRefresher(baseURL, plain)
	refresher.now = now
	coord := NewCoordinator(refresher, opts.Coordinator)

	return &Client{
		baseURL: baseURL,
		coord:   coord,
		authed: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: &Transport{Coordinator: coord},
		},
		plain:  plain,
		logger: opts.Logger,
		now:    now,
	}
}

func (c *Client) Coordinator() *Coordinator { return c.coord }

// Login crea una sesion nueva e instala el par de tokens.
func (c *Client) Login(ctx context.Context, email, password, deviceInfo string) (string, error) {
	payload := map[string]string{"email": email, "password": password, "device_info": deviceInfo}
	resp, err := c.do(ctx, c.plain, http.MethodPost, "/auth/login", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	c.coord.SetTokens(out.tokens(c.now()))
	c.logger.Info("logged in", zap.String("session_id", out.SessionID))
	return out.SessionID, nil
}

// Logout cierra la sesion en el servidor y borra los tokens locales aunque
// el servidor falle.
func (c *Client) Logout(ctx context.Context) error {
	defer c.coord.Clear()
	payload := map[string]string{"refresh_token": c.coord.refreshToken()}
	resp, err := c.do(ctx, c.authed, http.MethodPost, "/auth/logout", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// LogoutAll cierra todas las sesiones del usuario, incluida esta, y devuelve
// cuantas cerro el servidor.
func (c *Client) LogoutAll(ctx context.Context) (int, error) {
	defer c.coord.Clear()
	payload := map[string]string{"refresh_token": c.coord.refreshToken()}
	resp, err := c.do(ctx, c.authed, http.MethodPost, "/auth/logout-all", payload)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}
	var out struct {
		SessionsRevoked int `json:"sessions_revoked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode logout-all: %w", err)
	}
	return out.SessionsRevoked, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	resp, err := c.do(ctx, c.authed, http.MethodGet, "/sessions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return out.Sessions, nil
}

func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	return c.expectNoContent(ctx, http.MethodDelete, "/sessions/"+sessionID)
}

func (c *Client) RevokeOtherSessions(ctx context.Context) error {
	return c.expectNoContent(ctx, http.MethodDelete, "/sessions")
}

func (c *Client) expectNoContent(ctx context.Context, method, path string) error {
	resp, err := c.do(ctx, c.authed, method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &StatusError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error}
}
