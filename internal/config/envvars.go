// ABOUTME: Environment variable expansion in config string fields
// ABOUTME: Replaces ${VAR} patterns with os.Getenv values; unset vars become empty

package config

import (
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// ResolveEnvVars expands ${VAR} patterns in string fields of Settings.
func ResolveEnvVars(s *Settings) {
	s.Endpoint = expandEnv(s.Endpoint)
	s.Agent.Path = expandEnv(s.Agent.Path)
	for i, a := range s.Agent.Args {
		s.Agent.Args[i] = expandEnv(a)
	}
	for k, v := range s.Agent.Env {
		s.Agent.Env[k] = expandEnv(v)
	}
	s.Log.File = expandEnv(s.Log.File)
	s.Metrics.Addr = expandEnv(s.Metrics.Addr)

	// Header values commonly carry secrets kept out of the file.
	for k, v := range s.CustomHeaders {
		s.CustomHeaders[k] = expandEnv(v)
	}
}

// expandEnv replaces ${VAR} with os.Getenv(VAR). Unset vars become "".
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
