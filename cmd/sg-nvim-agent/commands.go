// ABOUTME: One-shot subcommands: resolve a URI, inspect or change credentials, explain settings
// ABOUTME: They share the server's wiring but print to stdout and exit

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mauromedda/sg-nvim-go/internal/auth"
	"github.com/mauromedda/sg-nvim-go/internal/config"
	"github.com/mauromedda/sg-nvim-go/internal/router"
)

const loginTimeout = 10 * time.Minute

func newResolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <uri>",
		Short: "Resolve an sg:// URI or Sourcegraph link and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBackend(opts, nil)
			if err != nil {
				return err
			}
			ref, err := b.resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			endpoint := b.creds.Endpoint()
			out := router.Entry{
				Reference: ref,
				Bufname:   b.resolver.Parser().Bufname(ref),
				URL:       ref.URL(endpoint),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newAuthCmd(opts *options) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage Sourcegraph credentials",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the endpoint and where the token comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := newBackend(opts, nil)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "endpoint: %s\n", b.creds.Endpoint())
			fmt.Fprintf(w, "token:    %s\n", tokenStatus(b.store))
			fmt.Fprintf(w, "file:     %s\n", b.store.Path())
			if _, ok := b.store.AccessToken(); !ok {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), httpTimeout)
			defer cancel()
			user, err := b.client.CurrentUser(ctx)
			if err != nil {
				fmt.Fprintf(w, "user:     unavailable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(w, "user:     %s\n", user.Username)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := auth.NewFileStore(config.CredentialsFile())
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", store.Path())
			return nil
		},
	}

	var noBrowser bool
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser and store the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := newBackend(opts, nil)
			if err != nil {
				return err
			}
			flow, err := auth.StartFlow(b.creds.Endpoint(), b.creds, b.verifyToken)
			if err != nil {
				return err
			}
			defer func() { _ = flow.Close() }()

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Open this link to sign in:\n  %s\n", flow.URL)
			if !noBrowser {
				if err := flow.Open(); err != nil {
					fmt.Fprintf(w, "could not open a browser: %v\n", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
			defer cancel()
			if _, err := flow.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for sign-in: %w", err)
			}
			fmt.Fprintf(w, "signed in to %s\n", b.creds.Endpoint())
			return nil
		},
	}
	loginCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the link without opening a browser")

	authCmd.AddCommand(statusCmd, clearCmd, loginCmd)
	return authCmd
}

func tokenStatus(store *auth.FileStore) string {
	if _, ok := store.AccessToken(); !ok {
		return "not set"
	}
	switch store.Source() {
	case auth.SourceEnv:
		return "set (from " + auth.EnvAccessToken + ")"
	default:
		return "set (stored)"
	}
}

func newConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective settings and where they came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, err := loadSettings(opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), config.Explain(s))
			return nil
		},
	}
}
