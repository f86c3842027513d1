package authclient

import (
	"io"
	"net/http"

	"session-lifecycle/internal/domain"
)

// Transport agrega el access token a cada request y, ante un 401
// token_expired, renueva via Coordinator y reenvia el request una sola vez.
// Cualquier otro 401 o un 403 se devuelven tal cual.
type Transport struct {
	Base        http.RoundTripper
	Coordinator *Coordinator
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.Coordinator.AccessToken(ctx)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	resp, err := t.send(req, token, false)
	if err != nil {
		return nil, err
	}
	if !tokenExpired(resp) {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fresh, err := t.Coordinator.ForceRefresh(ctx, token)
	if err != nil {
		return nil, err
	}
	return t.send(req, fresh, true)
}

func (t *Transport) send(req *http.Request, token string, replay bool) (*http.Response, error) {
	out := req.Clone(req.Context())
	if replay && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(out)
}

func tokenExpired(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized &&
		resp.Header.Get(domain.AuthErrorHeader) == domain.AuthErrorTokenExpired
}
