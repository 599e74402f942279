package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxArgs = 50
	maxEnv  = 20
)

// allowedInterpreters are bare command names permitted without an absolute
// path, mirroring the common set of MCP server launchers in the wild.
var allowedInterpreters = map[string]bool{
	"uvx":    true,
	"uv":     true,
	"python": true,
	"python3": true,
	"node":   true,
	"npx":    true,
}

// allowedPathPrefixes are directories an absolute command path must live
// under when it isn't a bare interpreter name.
var allowedPathPrefixes = []string{
	"/usr/bin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

var envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// shellMetacharacters are rejected anywhere in an argument to keep a
// maliciously-crafted config from smuggling shell syntax into an exec.Command
// invocation, even though exec.Command never invokes a shell itself — the
// restriction also catches configs that assume broker args pass through a
// shell somewhere downstream.
const shellMetacharacters = "&|;`$()<>"

// Validate checks a ServerConfig against the broker's admission rules:
// command whitelist, argument/env limits, and shell-metacharacter rejection.
func Validate(s *ServerConfig) error {
	if s.Name == "" {
		return fmt.Errorf("invalid_config: server name is required")
	}
	if s.Type != "" && s.Type != "stdio" {
		return fmt.Errorf("invalid_config: unsupported type %q", s.Type)
	}
	if err := validateCommand(s.Command); err != nil {
		return err
	}
	if len(s.Args) > maxArgs {
		return fmt.Errorf("invalid_args: %d args exceeds limit of %d", len(s.Args), maxArgs)
	}
	for _, a := range s.Args {
		if strings.ContainsAny(a, shellMetacharacters) {
			return fmt.Errorf("invalid_args: argument %q contains a shell metacharacter", a)
		}
	}
	if len(s.Env) > maxEnv {
		return fmt.Errorf("invalid_env: %d env entries exceeds limit of %d", len(s.Env), maxEnv)
	}
	for k := range s.Env {
		if !envNamePattern.MatchString(k) {
			return fmt.Errorf("invalid_env: env var name %q is not a valid identifier", k)
		}
	}
	return nil
}

func validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("invalid_command: command is required")
	}
	if allowedInterpreters[command] {
		return nil
	}
	if !filepath.IsAbs(command) {
		return fmt.Errorf("invalid_command: %q is neither a whitelisted interpreter nor an absolute path", command)
	}
	for _, prefix := range allowedPathPrefixes {
		if strings.HasPrefix(command, prefix+"/") || command == prefix {
			return nil
		}
	}
	return fmt.Errorf("invalid_command: %q is not under a whitelisted path prefix", command)
}
