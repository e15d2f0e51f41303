package amgmcp

import (
	"strings"
	"testing"
)

func TestBuildToolDescriptionsCoversEveryTool(t *testing.T) {
	t.Parallel()
	cfg := Config{GrafanaEndpoint: "https://g.example.com"}
	ApplyDefaults(&cfg)
	descriptions := buildToolDescriptions(cfg)

	for _, name := range append(append([]string{}, proxyToolNames...), azureToolNames...) {
		desc, ok := descriptions[name]
		if !ok {
			t.Fatalf("missing description for %s", name)
		}
		if strings.TrimSpace(desc) == "" {
			t.Fatalf("empty description for %s", name)
		}
		if !strings.Contains(desc, "RESULT:") {
			t.Fatalf("description for %s lacks the envelope contract line", name)
		}
	}
}

func TestDashboardToolDescriptionsNameDefaultUID(t *testing.T) {
	t.Parallel()
	cfg := Config{GrafanaEndpoint: "https://g.example.com", DefaultDashboardUID: "custom-uid-42"}
	ApplyDefaults(&cfg)
	descriptions := buildToolDescriptions(cfg)
	if !strings.Contains(descriptions[toolDashboardSummary], "custom-uid-42") {
		t.Fatalf("dashboard summary description does not mention the default uid:\n%s", descriptions[toolDashboardSummary])
	}
}

func TestFormatToolDescription(t *testing.T) {
	t.Parallel()
	out := formatToolDescription(toolContract{
		Top:      []string{"TOP LINE."},
		Purpose:  "Do the thing.",
		UseWhen:  "Always.",
		Requires: "Nothing.",
	})
	for _, want := range []string{"TOP LINE.", "Purpose: Do the thing.", "Use when: Always.", "Requires: Nothing."} {
		if !strings.Contains(out, want) {
			t.Fatalf("formatted description missing %q:\n%s", want, out)
		}
	}
}
