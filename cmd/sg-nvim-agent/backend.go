// ABOUTME: Shared wiring: settings with flag overrides, credentials, GraphQL client, URI resolver
// ABOUTME: Used by the stdio server and by the one-shot subcommands alike

package main

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mauromedda/sg-nvim-go/internal/auth"
	"github.com/mauromedda/sg-nvim-go/internal/config"
	sghttp "github.com/mauromedda/sg-nvim-go/internal/http"
	"github.com/mauromedda/sg-nvim-go/internal/metrics"
	"github.com/mauromedda/sg-nvim-go/internal/sourcegraph"
	"github.com/mauromedda/sg-nvim-go/internal/uri"
)

const httpTimeout = 60 * time.Second

// loadSettings merges settings files for the working directory and then
// applies command-line overrides.
func loadSettings(opts *options) (*config.Settings, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("getting working directory: %w", err)
	}
	s, err := config.Load(cwd)
	if err != nil {
		return nil, "", err
	}

	if opts.endpoint != "" {
		s.Endpoint = strings.TrimRight(opts.endpoint, "/")
	}
	if opts.agentPath != "" {
		s.Agent.Path = opts.agentPath
	}
	if opts.metricsAddr != "" {
		s.Metrics.Addr = opts.metricsAddr
	}
	if opts.logFile != "" {
		s.Log.File = opts.logFile
	}
	if opts.verbose {
		s.Log.Level = "debug"
	}
	if err := s.Validate(); err != nil {
		return nil, "", err
	}
	return s, cwd, nil
}

// instance picks the endpoint: an --endpoint flag wins, then credentials
// saved by auth/set or a browser sign-in, then settings. Tokens always come
// from the store.
type instance struct {
	store    *auth.FileStore
	endpoint string
	pinned   bool
}

func (i *instance) Endpoint() string {
	if !i.pinned {
		switch i.store.Source() {
		case auth.SourceFile, auth.SourceSet:
			return i.store.Endpoint()
		}
	}
	return i.endpoint
}

func (i *instance) AccessToken() (string, bool) { return i.store.AccessToken() }

func (i *instance) SetCredentials(c auth.Credentials) error {
	if c.Endpoint == "" {
		c.Endpoint = i.Endpoint()
	}
	return i.store.SetCredentials(c)
}

type backend struct {
	settings *config.Settings
	root     string
	store    *auth.FileStore
	creds    *instance
	client   *sourcegraph.Client
	commits  *uri.CommitCache
	resolver *uri.Resolver
	http     *http.Client
}

func newBackend(opts *options, m *metrics.Metrics) (*backend, error) {
	s, root, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	store, err := auth.NewFileStore(config.CredentialsFile())
	if err != nil {
		return nil, err
	}
	creds := &instance{store: store, endpoint: s.Endpoint, pinned: opts.endpoint != ""}

	hc := sghttp.SecureHTTPClient(httpTimeout)
	client := sourcegraph.NewClient(creds, sourcegraph.Options{
		HTTPClient: hc,
		Headers:    s.CustomHeaders,
		Metrics:    m,
	})
	commits := uri.NewCommitCache(client)
	commits.OnLookup = m.CacheLookup

	// Web links are recognized for the instance in use at startup.
	parser := uri.NewParser(creds.Endpoint(), hostAliases(s.HostAliases))

	return &backend{
		settings: s,
		root:     root,
		store:    store,
		creds:    creds,
		client:   client,
		commits:  commits,
		resolver: uri.NewResolver(parser, commits, client),
		http:     hc,
	}, nil
}

// verifyToken accepts a browser-delivered token only if the instance knows
// whose it is.
func (b *backend) verifyToken(ctx context.Context, c auth.Credentials) error {
	client := sourcegraph.NewClient(sourcegraph.StaticCredentials{URL: c.Endpoint, Token: c.Token}, sourcegraph.Options{
		HTTPClient: b.http,
		Headers:    b.settings.CustomHeaders,
	})
	if _, err := client.CurrentUser(ctx); err != nil {
		return fmt.Errorf("verifying token with %s: %w", c.Endpoint, err)
	}
	return nil
}

// hostAliases layers configured aliases over the defaults.
func hostAliases(custom map[string]string) map[string]string {
	merged := maps.Clone(uri.DefaultAliases)
	maps.Copy(merged, custom)
	return merged
}
