package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "serve", "health", "schema"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("resolveConfigPath(custom.yaml) = %q", got)
	}

	t.Setenv("AGENTCORE_CONFIG", "/etc/agentcore/prod.yaml")
	if got := resolveConfigPath(""); got != "/etc/agentcore/prod.yaml" {
		t.Errorf("resolveConfigPath with env = %q", got)
	}

	t.Setenv("AGENTCORE_CONFIG", "")
	if got := resolveConfigPath(""); got != "agentcore.yaml" {
		t.Errorf("resolveConfigPath default = %q", got)
	}
}
