package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--listen", ":9000"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "grafana shorthand with value", args: []string{"-g", "https://g.example.com"}, want: true},
		{name: "subcommand", args: []string{"stdio"}, want: false},
		{name: "query subcommand", args: []string{"query", "--lookback", "5m"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "stdio"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "query"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestProxyFlagsArePersistent(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	for _, name := range []string{"grafana-endpoint", "loki-endpoint", "backend-command", "log-level"} {
		if flag := root.PersistentFlags().Lookup(name); flag == nil {
			t.Fatalf("expected --%s on root persistent flags", name)
		}
	}
	if flag := root.PersistentFlags().ShorthandLookup("g"); flag == nil || flag.Name != "grafana-endpoint" {
		t.Fatalf("expected global -g shorthand for --grafana-endpoint, got %#v", flag)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got, err := expandPath("~/amgmcp.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if want := filepath.Join(home, "amgmcp.yaml"); got != want {
		t.Fatalf("expandPath(~/amgmcp.yaml)=%q want %q", got, want)
	}

	got, err = expandPath("~")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != home {
		t.Fatalf("expandPath(~)=%q want %q", got, home)
	}

	abs, err := expandPath("relative/path")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if !filepath.IsAbs(abs) || !strings.HasSuffix(abs, filepath.Join("relative", "path")) {
		t.Fatalf("expandPath(relative/path)=%q want absolute suffix relative/path", abs)
	}
}

func TestHumanizeBytes(t *testing.T) {
	if got := humanizeBytes(4 << 20); got != "4.2MB" {
		t.Fatalf("humanizeBytes(4MiB)=%q", got)
	}
}
