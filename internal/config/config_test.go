package config_test

import (
	"testing"

	"github.com/kagenti/mcp-broker/internal/config"
)

func TestValidate_Command(t *testing.T) {
	testCases := []struct {
		Name    string
		Server  *config.ServerConfig
		WantErr bool
	}{
		{
			Name:   "whitelisted interpreter",
			Server: &config.ServerConfig{Name: "fs", Command: "uvx", Args: []string{"mcp-server-fs"}},
		},
		{
			Name:   "whitelisted absolute path",
			Server: &config.ServerConfig{Name: "fs", Command: "/usr/local/bin/mcp-server-fs"},
		},
		{
			Name:    "relative path rejected",
			Server:  &config.ServerConfig{Name: "fs", Command: "./mcp-server-fs"},
			WantErr: true,
		},
		{
			Name:    "unlisted absolute path rejected",
			Server:  &config.ServerConfig{Name: "fs", Command: "/home/user/bin/mcp-server-fs"},
			WantErr: true,
		},
		{
			Name:    "empty command rejected",
			Server:  &config.ServerConfig{Name: "fs", Command: ""},
			WantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			err := config.Validate(tc.Server)
			if tc.WantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tc.WantErr && err != nil {
				t.Fatalf("did not expect an error, got %v", err)
			}
		})
	}
}

func TestValidate_ArgsAndEnv(t *testing.T) {
	testCases := []struct {
		Name    string
		Server  *config.ServerConfig
		WantErr bool
	}{
		{
			Name:   "clean args and env pass",
			Server: &config.ServerConfig{Name: "fs", Command: "uvx", Args: []string{"serve", "--root=/tmp"}, Env: map[string]string{"API_KEY": "x"}},
		},
		{
			Name:    "shell metacharacter in arg rejected",
			Server:  &config.ServerConfig{Name: "fs", Command: "uvx", Args: []string{"serve; rm -rf /"}},
			WantErr: true,
		},
		{
			Name:    "lowercase env name rejected",
			Server:  &config.ServerConfig{Name: "fs", Command: "uvx", Env: map[string]string{"api_key": "x"}},
			WantErr: true,
		},
		{
			Name:    "env name starting with digit rejected",
			Server:  &config.ServerConfig{Name: "fs", Command: "uvx", Env: map[string]string{"1KEY": "x"}},
			WantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			err := config.Validate(tc.Server)
			if tc.WantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tc.WantErr && err != nil {
				t.Fatalf("did not expect an error, got %v", err)
			}
		})
	}
}

func TestValidate_ArgLimit(t *testing.T) {
	args := make([]string, 51)
	for i := range args {
		args[i] = "x"
	}
	err := config.Validate(&config.ServerConfig{Name: "fs", Command: "uvx", Args: args})
	if err == nil {
		t.Fatalf("expected arg limit to be enforced")
	}
}

func TestServerConfig_ConfigChanged(t *testing.T) {
	base := config.ServerConfig{Name: "fs", Command: "uvx", Args: []string{"a"}, Tags: []string{"t1"}}

	same := base
	if base.ConfigChanged(same) {
		t.Fatalf("identical configs should not report a change")
	}

	changedArgs := base
	changedArgs.Args = []string{"b"}
	if !changedArgs.ConfigChanged(base) {
		t.Fatalf("changed args should report a change")
	}

	changedTags := base
	changedTags.Tags = []string{"t2"}
	if !changedTags.ConfigChanged(base) {
		t.Fatalf("changed tags should report a change")
	}
}
