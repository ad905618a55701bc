// ABOUTME: auth/* handlers: report, set, and interactively capture Sourcegraph credentials
// ABOUTME: A browser flow answers immediately and reports the captured token via notification

package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mauromedda/sg-nvim-go/internal/auth"
	"github.com/mauromedda/sg-nvim-go/internal/log"
)

type authStatus struct {
	Endpoint      string `json:"endpoint"`
	Authenticated bool   `json:"authenticated"`
}

func (h *handlers) status() authStatus {
	_, ok := h.Auth.AccessToken()
	return authStatus{Endpoint: h.Auth.Endpoint(), Authenticated: ok}
}

func (h *handlers) authGet(context.Context, json.RawMessage) (any, error) {
	return h.status(), nil
}

type authSetParams struct {
	Endpoint string `json:"endpoint,omitempty"`
	Token    string `json:"token"`
}

func (h *handlers) authSet(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[authSetParams](params)
	if err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, invalidParams("token is required")
	}
	if err := h.Auth.SetCredentials(auth.Credentials{Endpoint: p.Endpoint, Token: p.Token}); err != nil {
		return nil, err
	}
	return h.status(), nil
}

type startFlowParams struct {
	Endpoint string `json:"endpoint,omitempty"`
	// Open asks the backend to launch the browser itself.
	Open bool `json:"open,omitempty"`
}

type startFlowResult struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Port int    `json:"port"`
}

type credentialsCaptured struct {
	authStatus
	Error string `json:"error,omitempty"`
}

func (h *handlers) authStartFlow(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[startFlowParams](params)
	if err != nil {
		return nil, err
	}
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = h.Auth.Endpoint()
	}

	flow, err := h.StartFlow(endpoint, h.Auth, h.VerifyToken)
	if err != nil {
		return nil, err
	}
	if p.Open {
		if err := flow.Open(); err != nil {
			_ = flow.Close()
			return nil, err
		}
	}

	// Only one sign-in can be pending; a new one supersedes the old.
	h.mu.Lock()
	prev := h.flow
	h.flow = flow
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	go h.awaitFlow(flow)
	return startFlowResult{ID: flow.ID, URL: flow.URL, Port: flow.Port}, nil
}

// awaitFlow outlives the request that started the flow.
func (h *handlers) awaitFlow(flow *auth.Flow) {
	ctx, cancel := context.WithTimeout(context.Background(), h.FlowTimeout)
	defer cancel()

	_, err := flow.Wait(ctx)

	h.mu.Lock()
	superseded := h.flow != flow
	if !superseded {
		h.flow = nil
	}
	h.mu.Unlock()

	// The editor hears about the replacement flow instead.
	if superseded && errors.Is(err, auth.ErrFlowClosed) {
		log.Debug("auth flow %s: superseded", flow.ID)
		return
	}

	note := credentialsCaptured{authStatus: h.status()}
	if err != nil {
		log.Warn("auth flow %s: %v", flow.ID, err)
		note.Error = err.Error()
	}
	if err := h.Notify(NotificationCredentialsCaptured, note); err != nil {
		log.Warn("auth flow %s: notifying editor: %v", flow.ID, err)
	}
}
