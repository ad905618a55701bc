// ABOUTME: Human-readable rendering of effective configuration
// ABOUTME: Used by the "config" CLI subcommand; header values are masked

package config

import (
	"fmt"
	"slices"
	"strings"
)

// Explain renders the effective settings grouped by section.
func Explain(s *Settings) string {
	if s == nil {
		s = &Settings{}
	}

	var b strings.Builder

	b.WriteString("=== Sources ===\n")
	if len(s.Sources) == 0 {
		b.WriteString("  (defaults only)\n")
	}
	for _, src := range s.Sources {
		fmt.Fprintf(&b, "  %s\n", src)
	}
	b.WriteString("\n")

	b.WriteString("=== Instance ===\n")
	fmt.Fprintf(&b, "  Endpoint:       %s\n", s.Endpoint)
	for _, k := range sortedKeys(s.CustomHeaders) {
		fmt.Fprintf(&b, "  Header:         %s: %s\n", k, mask(s.CustomHeaders[k]))
	}
	for _, k := range sortedKeys(s.HostAliases) {
		fmt.Fprintf(&b, "  Alias:          %s -> %s\n", k, s.HostAliases[k])
	}
	b.WriteString("\n")

	b.WriteString("=== Agent ===\n")
	path := s.Agent.Path
	if path == "" {
		path = "(not configured)"
	}
	fmt.Fprintf(&b, "  Path:           %s\n", path)
	if len(s.Agent.Args) > 0 {
		fmt.Fprintf(&b, "  Args:           %s\n", strings.Join(s.Agent.Args, " "))
	}
	for _, k := range sortedKeys(s.Agent.Env) {
		fmt.Fprintf(&b, "  Env:            %s=%s\n", k, mask(s.Agent.Env[k]))
	}
	fmt.Fprintf(&b, "  RequestTimeout: %s\n", s.Agent.RequestTimeout)
	fmt.Fprintf(&b, "  ShutdownGrace:  %s\n", s.Agent.ShutdownGrace)
	b.WriteString("\n")

	b.WriteString("=== Router ===\n")
	fmt.Fprintf(&b, "  MaxConcurrent:  %d\n", s.Router.MaxConcurrent)
	fmt.Fprintf(&b, "  NotifyBuffer:   %d\n", s.Router.NotificationBuffer)
	b.WriteString("\n")

	b.WriteString("=== Observability ===\n")
	fmt.Fprintf(&b, "  LogLevel:       %s\n", s.Log.Level)
	if s.Log.File != "" {
		fmt.Fprintf(&b, "  LogFile:        %s\n", s.Log.File)
	}
	if s.Metrics.Addr != "" {
		fmt.Fprintf(&b, "  Metrics:        %s\n", s.Metrics.Addr)
	}

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// mask keeps the first four characters of values long enough to be secrets.
func mask(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:4] + strings.Repeat("*", 8)
}
