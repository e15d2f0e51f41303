package dashtmpl

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const templateJSON = `{
  "dashboard": {
    "title": "Grocery App - SRE Overview (Custom)",
    "templating": {"list": [
      {"name": "app", "current": {"value": "grocery-api"}},
      {"name": "empty", "current": {"value": ""}}
    ]},
    "panels": [
      {"title": "Error rate (errors/s)", "type": "timeseries",
       "gridPos": {"x": 0, "y": 0, "w": 12, "h": 8},
       "targets": [
         {"refId": "B", "expr": "ignored"},
         {"refId": "A", "expr": "sum(rate({app=\"$app\"} |= \"ERROR\" [$__interval]))"}
       ]},
      {"title": "Sections", "type": "row"}
    ]
  }
}`

func writeTemplate(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "grocery-sre-overview.dashboard.template.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return dir, path
}

func newStore(t *testing.T, path string, watch bool) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Templates: map[string]string{"afbppudwbhl34b": path},
		Watch:     watch,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSummary(t *testing.T) {
	t.Parallel()
	_, path := writeTemplate(t, templateJSON)
	store := newStore(t, path, false)

	summary, err := store.Summary("afbppudwbhl34b")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Dashboard.Slug != "-" {
		t.Fatalf("slug = %q, want -", summary.Dashboard.Slug)
	}
	if summary.Dashboard.Title == nil || *summary.Dashboard.Title != "Grocery App - SRE Overview (Custom)" {
		t.Fatalf("title = %v", summary.Dashboard.Title)
	}
	if len(summary.Panels) != 2 {
		t.Fatalf("got %d panels, want 2", len(summary.Panels))
	}
	first := summary.Panels[0]
	if first.ID != nil || first.PanelIndex != 1 || !first.Renderable {
		t.Fatalf("unexpected first panel: %+v", first)
	}
	if summary.Panels[1].Renderable {
		t.Fatalf("row panel must not be renderable")
	}
	if summary.Warning.Note == "" {
		t.Fatalf("expected warning note")
	}
}

func TestSummaryUnknownUID(t *testing.T) {
	t.Parallel()
	_, path := writeTemplate(t, templateJSON)
	store := newStore(t, path, false)
	if _, err := store.Summary("does-not-exist"); err == nil {
		t.Fatalf("expected error for unknown uid")
	}
}

func TestPanelQueryPrefersRefID(t *testing.T) {
	t.Parallel()
	_, path := writeTemplate(t, templateJSON)
	store := newStore(t, path, false)

	ref, expr, err := store.PanelQuery("afbppudwbhl34b", "error rate (errors/s)", "A")
	if err != nil {
		t.Fatalf("PanelQuery: %v", err)
	}
	if ref.PanelIndex != 1 {
		t.Fatalf("panelIndex = %d, want 1", ref.PanelIndex)
	}
	if expr != `sum(rate({app="$app"} |= "ERROR" [$__interval]))` {
		t.Fatalf("expr = %q", expr)
	}

	if _, _, err := store.PanelQuery("afbppudwbhl34b", "no such panel", "A"); err == nil {
		t.Fatalf("expected error for unknown panel title")
	}
}

func TestDefaultVars(t *testing.T) {
	t.Parallel()
	_, path := writeTemplate(t, templateJSON)
	store := newStore(t, path, false)

	vars, err := store.DefaultVars("afbppudwbhl34b")
	if err != nil {
		t.Fatalf("DefaultVars: %v", err)
	}
	if vars["app"] != "grocery-api" {
		t.Fatalf("vars = %v", vars)
	}
	if _, ok := vars["empty"]; ok {
		t.Fatalf("empty current value must be skipped")
	}

	vars, err = store.DefaultVars("unknown-uid")
	if err != nil {
		t.Fatalf("DefaultVars(unknown): %v", err)
	}
	if len(vars) != 0 {
		t.Fatalf("unknown uid should yield empty vars, got %v", vars)
	}
}

func TestWatchInvalidatesCache(t *testing.T) {
	t.Parallel()
	_, path := writeTemplate(t, templateJSON)
	store := newStore(t, path, true)

	summary, err := store.Summary("afbppudwbhl34b")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summary.Panels) != 2 {
		t.Fatalf("got %d panels, want 2", len(summary.Panels))
	}

	updated := `{"dashboard": {"title": "Updated", "panels": [{"title": "Only", "type": "stat"}]}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite template: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		summary, err = store.Summary("afbppudwbhl34b")
		if err == nil && len(summary.Panels) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache not invalidated after rewrite; last summary: %+v err: %v", summary, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if summary.Dashboard.Title == nil || *summary.Dashboard.Title != "Updated" {
		t.Fatalf("title = %v, want Updated", summary.Dashboard.Title)
	}
}

func TestMacroVars(t *testing.T) {
	t.Parallel()
	vars := MacroVars(0, 3_600_000, 30_000)
	if vars["__interval"] != "30s" {
		t.Fatalf("__interval = %q", vars["__interval"])
	}
	if vars["__interval_ms"] != "30000" {
		t.Fatalf("__interval_ms = %q", vars["__interval_ms"])
	}
	if vars["__range"] != "1h" {
		t.Fatalf("__range = %q", vars["__range"])
	}
	if vars["__range_s"] != "3600" {
		t.Fatalf("__range_s = %q", vars["__range_s"])
	}
	if vars["__range_ms"] != "3600000" {
		t.Fatalf("__range_ms = %q", vars["__range_ms"])
	}
}

func TestApplyVars(t *testing.T) {
	t.Parallel()
	expr := `sum(rate({app="$app"} [${__interval}])) + $app`
	got := ApplyVars(expr, map[string]string{"app": "grocery-api", "__interval": "1m"})
	want := `sum(rate({app="grocery-api"} [1m])) + grocery-api`
	if got != want {
		t.Fatalf("ApplyVars = %q, want %q", got, want)
	}
}

func TestApplyVarsMacroOrderIsStable(t *testing.T) {
	t.Parallel()
	expr := `rate(metric[$__interval_ms]) / $__range_s`
	vars := MacroVars(0, 3_600_000, 30_000)
	want := `rate(metric[30s_ms]) / 1h_s`
	for i := 0; i < 500; i++ {
		if got := ApplyVars(expr, vars); got != want {
			t.Fatalf("call %d: ApplyVars = %q, want %q", i, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	cases := map[int64]string{
		0:    "1s",
		45:   "45s",
		60:   "1m",
		900:  "15m",
		3600: "1h",
		7200: "2h",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}
