package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := newRootCmd()

	want := []string{"run", "events", "check"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command is missing subcommand %q", name)
		}
	}
}

func TestRootCmdVersion(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute --version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "swarmd ") {
		t.Errorf("version output = %q, want swarmd prefix", out.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"warn":    "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
		"SHOUTED": "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
