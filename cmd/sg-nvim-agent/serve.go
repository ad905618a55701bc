// ABOUTME: Root command: serves the editor over stdio until EOF, shutdown/exit, or a signal
// ABOUTME: Starts the optional agent, the metrics listener, and the settings watcher

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mauromedda/sg-nvim-go/internal/agent"
	"github.com/mauromedda/sg-nvim-go/internal/auth"
	"github.com/mauromedda/sg-nvim-go/internal/config"
	sghttp "github.com/mauromedda/sg-nvim-go/internal/http"
	"github.com/mauromedda/sg-nvim-go/internal/log"
	"github.com/mauromedda/sg-nvim-go/internal/metrics"
	"github.com/mauromedda/sg-nvim-go/internal/router"
)

const metricsShutdownTimeout = 2 * time.Second

// errTerminal stops an accidental interactive launch, which would otherwise
// sit waiting for framed JSON on the keyboard.
var errTerminal = errors.New("stdin is a terminal; sg-nvim-agent is started by Neovim (use --force to serve anyway)")

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runServe(cmd *cobra.Command, opts *options) error {
	in := cmd.InOrStdin()
	if isTerminal(in) && !opts.force {
		return errTerminal
	}

	m := metrics.New()
	b, err := newBackend(opts, m)
	if err != nil {
		return err
	}
	s := b.settings

	closeLog, err := setupLogging(s)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := router.New(m)
	srv := router.NewServer(in, cmd.OutOrStdout(), r, router.Options{
		MaxConcurrent:      s.Router.MaxConcurrent,
		NotificationBuffer: s.Router.NotificationBuffer,
	})
	deps := router.Deps{
		Resolver:    b.resolver,
		Revisions:   b.commits,
		Sourcegraph: b.client,
		Auth:        b.creds,
		StartFlow:   auth.StartFlow,
		VerifyToken: b.verifyToken,
		Notify:      srv.Notify,
	}
	if broker := startAgent(ctx, b, m, srv); broker != nil {
		deps.Agent = broker
		srv.Forward(broker)
		defer func() {
			if err := broker.Close(); err != nil {
				log.Warn("closing agent: %v", err)
			}
		}()
	}
	router.RegisterHandlers(r, deps)

	if s.Metrics.Addr != "" {
		shutdown := serveMetrics(s.Metrics.Addr, m)
		defer shutdown()
	}

	watcher := config.NewWatcher(b.root, func(next *config.Settings, err error) {
		reload(s, next, err, opts.verbose)
	})
	go watcher.Run(ctx)

	log.Info("serving %d methods for %s (version %s)", len(r.Methods()), b.creds.Endpoint(), version)
	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted, shutting down")
		return nil
	}
	return err
}

// setupLogging applies the level and sends output to the log file, since
// stdout carries the protocol.
func setupLogging(s *config.Settings) (func(), error) {
	level, err := log.ParseLevel(s.Log.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	path := s.Log.File
	if path == "" {
		path = config.LogFile()
	}
	f, err := log.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}

// reload applies what can change at runtime. Everything else is wired at
// startup and only logged.
func reload(current, next *config.Settings, err error, pinnedVerbose bool) {
	if err != nil {
		log.Warn("reloading settings: %v", err)
		return
	}
	if !pinnedVerbose {
		if level, err := log.ParseLevel(next.Log.Level); err == nil {
			log.SetLevel(level)
		} else {
			log.Warn("reloading settings: %v", err)
		}
	}
	if next.Endpoint != current.Endpoint || next.Agent.Path != current.Agent.Path {
		log.Info("settings changed; restart the backend to use endpoint %s and agent %q", next.Endpoint, next.Agent.Path)
	}
}

func startAgent(ctx context.Context, b *backend, m *metrics.Metrics, srv *router.Server) *agent.Broker {
	s := b.settings
	if s.Agent.Path == "" {
		log.Info("no agent configured; recipe methods are unavailable")
		return nil
	}

	headers := s.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	token, _ := b.creds.AccessToken()

	broker, err := agent.Spawn(ctx, agent.SpawnConfig{
		Path: s.Agent.Path,
		Args: s.Agent.Args,
		Env:  s.AgentEnv(),
		Dir:  b.root,
		Client: agent.ClientInfo{
			Name:              "sg-nvim",
			Version:           version,
			WorkspaceRootPath: b.root,
			ConnectionConfiguration: &agent.ConnectionConfiguration{
				ServerEndpoint: b.creds.Endpoint(),
				AccessToken:    token,
				CustomHeaders:  headers,
			},
			Capabilities: &agent.ClientCapabilities{Chat: agent.ChatStreaming},
		},
		Options: agent.Options{
			RequestTimeout: s.Agent.RequestTimeout.Std(),
			ShutdownGrace:  s.Agent.ShutdownGrace.Std(),
			Metrics:        m,
			OnDisconnect: func(cause error) {
				reason := "agent exited"
				if cause != nil {
					reason = cause.Error()
				}
				log.Warn("agent disconnected: %s", reason)
				if err := srv.Notify(router.NotificationAgentDisconnected, map[string]string{"reason": reason}); err != nil {
					log.Warn("notifying editor of agent disconnect: %v", err)
				}
			},
		},
	})
	if err != nil {
		log.Error("starting agent %s: %v", s.Agent.Path, err)
		return nil
	}
	if info, ok := broker.ServerInfo(); ok {
		log.Info("agent %s ready", info.Name)
	}
	return broker
}

func serveMetrics(addr string, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	ms := sghttp.SecureHTTPServer(mux, addr)
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener on %s: %v", addr, err)
		}
	}()
	log.Info("metrics on http://%s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := ms.Shutdown(ctx); err != nil {
			log.Warn("stopping metrics listener: %v", err)
		}
	}
}

