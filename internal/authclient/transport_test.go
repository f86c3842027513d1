package authclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"session-lifecycle/internal/domain"
)

func newTransportClient(c *Coordinator) *http.Client {
	return &http.Client{Transport: &Transport{Coordinator: c}}
}

func TestTransport_ReplaysOnceAfterTokenExpired(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.Header().Set(domain.AuthErrorHeader, domain.AuthErrorTokenExpired)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := &fakeRefresher{}
	c := newTestCoordinator(f, 10*time.Minute)

	resp, err := newTransportClient(c).Post(srv.URL+"/echo", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "payload", string(body))
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, 1, f.callCount())
}

func TestTransport_DoesNotReplayTwice(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set(domain.AuthErrorHeader, domain.AuthErrorTokenExpired)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := &fakeRefresher{}
	c := newTestCoordinator(f, 10*time.Minute)

	resp, err := newTransportClient(c).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, 1, f.callCount())
}

func TestTransport_OtherAuthFailuresNeverRefresh(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
	}{
		{name: "forbidden", status: http.StatusForbidden},
		{name: "session invalid", status: http.StatusUnauthorized, code: domain.AuthErrorSessionInvalid},
		{name: "invalid token", status: http.StatusUnauthorized, code: domain.AuthErrorInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				if tc.code != "" {
					w.Header().Set(domain.AuthErrorHeader, tc.code)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			f := &fakeRefresher{}
			c := newTestCoordinator(f, 10*time.Minute)
			resp, err := newTransportClient(c).Get(srv.URL)
			require.NoError(t, err)
			resp.Body.Close()

			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, int32(1), hits.Load())
			require.Zero(t, f.callCount())
		})
	}
}

func TestTransport_FatalRefreshSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(domain.AuthErrorHeader, domain.AuthErrorTokenExpired)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := &fakeRefresher{errs: []error{ErrRefreshRejected}}
	c := newTestCoordinator(f, 10*time.Minute)

	_, err := newTransportClient(c).Get(srv.URL)
	require.ErrorIs(t, err, ErrRefreshRejected)
	require.True(t, isClosed(c.LoggedOut()))
}

// Tres requests con cuatro minutos de vida restantes contra un servidor real:
// un unico POST /auth/refresh y todos salen con el token nuevo.
func TestTransport_ConcurrentRequestsNearExpiryRefreshOnce(t *testing.T) {
	var refreshes atomic.Int32
	var mu sync.Mutex
	var seenAuth []string
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "refresh-0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new", RefreshToken: "refresh-1", ExpiresIn: 900})
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	refresher := NewHTTPRefresher(srv.URL, srv.Client())
	refresher.now = func() time.Time { return baseTime }
	c := NewCoordinator(refresher, Options{Threshold: 5 * time.Minute, Now: func() time.Time { return baseTime }})
	c.SetTokens(Tokens{AccessToken: "old", RefreshToken: "refresh-0", ExpiresAt: baseTime.Add(4 * time.Minute)})
	client := newTransportClient(c)

	var wg sync.WaitGroup
	statuses := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/api", nil)
			resp, err := client.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), refreshes.Load())
	require.Equal(t, []int{200, 200, 200}, statuses)
	require.Len(t, seenAuth, 3)
	for _, auth := range seenAuth {
		require.Equal(t, "Bearer new", auth)
	}
}

func TestHTTPRefresher_StatusMapping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "a", RefreshToken: "r", ExpiresIn: 900})
	}))
	defer srv.Close()

	r := NewHTTPRefresher(srv.URL+"/", srv.Client())
	r.now = func() time.Time { return baseTime }

	tokens, err := r.Refresh(context.Background(), "r0")
	require.NoError(t, err)
	require.Equal(t, Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAt: baseTime.Add(15 * time.Minute)}, tokens)

	status.Store(http.StatusUnauthorized)
	_, err = r.Refresh(context.Background(), "r0")
	require.ErrorIs(t, err, ErrRefreshRejected)

	status.Store(http.StatusServiceUnavailable)
	_, err = r.Refresh(context.Background(), "r0")
	require.ErrorIs(t, err, ErrRefreshTransport)

	srv.Close()
	_, err = r.Refresh(context.Background(), "r0")
	require.ErrorIs(t, err, ErrRefreshTransport)
}
