// ABOUTME: Browser token flow: a loopback listener receives the access token Sourcegraph redirects back
// ABOUTME: A captured token must pass the flow's verifier before it is saved to the Store

package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"

	sghttp "github.com/mauromedda/sg-nvim-go/internal/http"
	"github.com/mauromedda/sg-nvim-go/internal/log"
)

// ErrFlowClosed is returned by Wait after Close.
var ErrFlowClosed = errors.New("auth flow closed")

const callbackPage = `<html><body><h1>Credentials saved</h1><p>Neovim is now connected to Sourcegraph. You can close this window.</p></body></html>`

// VerifyFunc checks candidate credentials against the instance, normally by
// asking who the token belongs to.
type VerifyFunc func(ctx context.Context, c Credentials) error

// openBrowserFunc is the function used to open URLs in the browser.
// It is a package-level variable so tests can override it.
var openBrowserFunc = openBrowser

// Flow is one pending browser sign-in.
type Flow struct {
	// ID tags the flow in logs.
	ID string
	// URL is the page the user opens to create a token.
	URL string
	// Port is the loopback port the token is sent back to.
	Port int

	endpoint string
	store    Store
	verify   VerifyFunc
	srv      *http.Server

	result    chan string
	closed    chan struct{}
	closeOnce sync.Once
}

// StartFlow listens on a random loopback port and returns the URL that asks
// endpoint to mint a token and send it back to that port.
//
// The redirect carries nothing but the token, so anything on the machine can
// call the port. A non-nil verify rejects tokens the instance does not
// accept; the flow stays pending after a rejection.
func StartFlow(endpoint string, store Store, verify VerifyFunc) (*Flow, error) {
	endpoint = normalizeEndpoint(endpoint)
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("starting callback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	f := &Flow{
		ID:       uuid.NewString(),
		URL:      endpoint + "/user/settings/tokens/new/callback?requestFrom=NEOVIM-" + strconv.Itoa(port),
		Port:     port,
		endpoint: endpoint,
		store:    store,
		verify:   verify,
		result:   make(chan string, 1),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", f.handleCallback)
	f.srv = sghttp.SecureHTTPServer(mux, listener.Addr().String())
	go func() {
		if err := f.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("auth flow %s: callback server: %v", f.ID, err)
		}
	}()
	log.Info("auth flow %s: listening on port %d for %s", f.ID, port, endpoint)
	return f, nil
}

func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusBadRequest)
		return
	}
	if f.verify != nil {
		if err := f.verify(r.Context(), Credentials{Endpoint: f.endpoint, Token: token}); err != nil {
			log.Warn("auth flow %s: rejected callback token: %v", f.ID, err)
			http.Error(w, "token rejected by "+f.endpoint, http.StatusForbidden)
			return
		}
	}
	select {
	case f.result <- token:
	default:
		http.Error(w, "token already received", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, callbackPage)
}

// Open opens the flow URL in the system browser.
func (f *Flow) Open() error {
	if err := openBrowserFunc(f.URL); err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}
	return nil
}

// Wait blocks until the token arrives, saves it to the store, and shuts the
// listener down.
func (f *Flow) Wait(ctx context.Context) (Credentials, error) {
	defer f.Close()
	select {
	case token := <-f.result:
		creds := Credentials{Endpoint: f.endpoint, Token: token}
		if err := f.store.SetCredentials(creds); err != nil {
			return Credentials{}, fmt.Errorf("saving credentials: %w", err)
		}
		log.Info("auth flow %s: credentials captured for %s", f.ID, f.endpoint)
		return creds, nil
	case <-f.closed:
		return Credentials{}, ErrFlowClosed
	case <-ctx.Done():
		return Credentials{}, fmt.Errorf("waiting for token callback: %w", ctx.Err())
	}
}

// Close stops the listener. Safe to call more than once.
func (f *Flow) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.srv.Close()
	})
	return err
}

// OpenBrowser opens u in the system's default browser.
func OpenBrowser(u string) error {
	return openBrowserFunc(u)
}

// openBrowser opens a URL in the system's default browser.
func openBrowser(u string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", u).Start()
	case "linux":
		return exec.Command("xdg-open", u).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", u).Start()
	default:
		return fmt.Errorf("unsupported platform %q for opening browser", runtime.GOOS)
	}
}
