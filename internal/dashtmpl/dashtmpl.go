// Package dashtmpl serves dashboard definitions from template files shipped
// with the proxy. When the Grafana API is unreachable the tools fall back to
// these templates for panel layout and panel queries. Parsed templates are
// cached and invalidated when the files change on disk.
package dashtmpl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/amgmcp/internal/grafana"
	"pkt.systems/amgmcp/internal/logfields"
)

// ErrNoTemplate is returned when no template file is registered for a
// dashboard uid.
var ErrNoTemplate = errors.New("dashtmpl: no template registered for dashboard uid")

// StoreConfig configures a Store.
type StoreConfig struct {
	// Templates maps dashboard uid to the template file path.
	Templates map[string]string
	// Watch enables fsnotify-based cache invalidation when template files
	// change.
	Watch  bool
	Logger pslog.Logger
}

// Store parses and caches dashboard template files.
type Store struct {
	logger  pslog.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	paths map[string]string // uid -> absolute path
	cache map[string]*templateFile
}

type templateFile struct {
	Dashboard *grafana.DashboardBody `json:"dashboard"`
}

// NewStore registers the supplied templates and, when cfg.Watch is set,
// starts watching their directories for changes.
func NewStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Store{
		logger: logfields.WithSubsystem(logger, "dashtmpl"),
		paths:  make(map[string]string, len(cfg.Templates)),
		cache:  make(map[string]*templateFile),
	}
	for uid, path := range cfg.Templates {
		uid = strings.TrimSpace(uid)
		path = strings.TrimSpace(path)
		if uid == "" || path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("dashtmpl: resolve %s: %w", path, err)
		}
		s.paths[uid] = abs
	}

	if cfg.Watch && len(s.paths) > 0 {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("dashtmpl: start watcher: %w", err)
		}
		dirs := make(map[string]struct{})
		for _, path := range s.paths {
			dirs[filepath.Dir(path)] = struct{}{}
		}
		for dir := range dirs {
			if err := watcher.Add(dir); err != nil {
				// A missing directory is not fatal; the template simply
				// stays uncached until it appears.
				s.logger.Warn("watch template dir failed", "dir", dir, "error", err.Error())
			}
		}
		s.watcher = watcher
		go s.watchLoop()
	}
	return s, nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.invalidate(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("template watcher error", "error", err.Error())
		}
	}
}

func (s *Store) invalidate(changed string) {
	abs, err := filepath.Abs(changed)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, path := range s.paths {
		if path == abs {
			if _, ok := s.cache[uid]; ok {
				delete(s.cache, uid)
				s.logger.Info("template cache invalidated", "uid", uid, "path", path)
			}
		}
	}
}

// Has reports whether a template is registered for uid.
func (s *Store) Has(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paths[uid]
	return ok
}

func (s *Store) load(uid string) (*templateFile, error) {
	s.mu.Lock()
	path, ok := s.paths[uid]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, uid)
	}
	if cached, ok := s.cache[uid]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dashtmpl: read template for %s: %w", uid, err)
	}
	var tf templateFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("dashtmpl: parse template for %s: %w", uid, err)
	}
	if tf.Dashboard == nil {
		return nil, fmt.Errorf("dashtmpl: template for %s missing dashboard object", uid)
	}

	s.mu.Lock()
	s.cache[uid] = &tf
	s.mu.Unlock()
	return &tf, nil
}

// PanelSummary is one flattened panel from a template. Template files do not
// carry Grafana-assigned panel ids, so ID stays null and PanelIndex is the
// 1-based position instead.
type PanelSummary struct {
	ID         *int             `json:"id"`
	PanelIndex int              `json:"panelIndex"`
	Title      *string          `json:"title"`
	Type       *string          `json:"type"`
	Renderable bool             `json:"renderable"`
	GridPos    *grafana.GridPos `json:"gridPos,omitempty"`
}

// SummaryWarning explains why a template summary may be less precise than a
// live Grafana one.
type SummaryWarning struct {
	Note string `json:"note"`
}

// Summary is the template rendition of a dashboard summary.
type Summary struct {
	Dashboard grafana.DashboardRef `json:"dashboard"`
	Panels    []PanelSummary       `json:"panels"`
	Warning   SummaryWarning       `json:"warning"`
}

// Summary flattens the template's top-level panels into a dashboard summary.
func (s *Store) Summary(uid string) (*Summary, error) {
	tf, err := s.load(uid)
	if err != nil {
		return nil, err
	}
	panels := make([]PanelSummary, 0, len(tf.Dashboard.Panels))
	for idx, panel := range tf.Dashboard.Panels {
		t := ""
		if panel.Type != nil {
			t = *panel.Type
		}
		panels = append(panels, PanelSummary{
			PanelIndex: idx + 1,
			Title:      panel.Title,
			Type:       panel.Type,
			Renderable: t != "row" && t != "dashboard",
			GridPos:    panel.GridPos,
		})
	}
	return &Summary{
		Dashboard: grafana.DashboardRef{
			UID:   uid,
			Slug:  "-",
			Title: tf.Dashboard.Title,
		},
		Panels: panels,
		Warning: SummaryWarning{
			Note: "Grafana API access was unavailable; panel list came from the baked-in dashboard template. Panel IDs are not available from the template.",
		},
	}, nil
}

// PanelRef identifies the panel a template query came from.
type PanelRef struct {
	PanelIndex int     `json:"panelIndex"`
	Title      *string `json:"title"`
	Type       *string `json:"type"`
}

// PanelQuery finds the first query expression for a panel title. The target
// with the requested refId wins; otherwise the first target is used.
func (s *Store) PanelQuery(uid, panelTitle, refID string) (PanelRef, string, error) {
	tf, err := s.load(uid)
	if err != nil {
		return PanelRef{}, "", err
	}
	wanted := strings.ToLower(strings.TrimSpace(panelTitle))
	if wanted == "" {
		return PanelRef{}, "", errors.New("dashtmpl: panel title is required")
	}
	refID = strings.ToUpper(strings.TrimSpace(refID))
	if refID == "" {
		refID = "A"
	}

	for idx, panel := range tf.Dashboard.Panels {
		if panel.Title == nil || strings.ToLower(strings.TrimSpace(*panel.Title)) != wanted {
			continue
		}
		if len(panel.Targets) == 0 {
			return PanelRef{}, "", fmt.Errorf("dashtmpl: panel %q has no targets", panelTitle)
		}
		chosen := panel.Targets[0]
		for _, target := range panel.Targets {
			id := strings.ToUpper(strings.TrimSpace(target.RefID))
			if id == "" {
				id = "A"
			}
			if id == refID {
				chosen = target
				break
			}
		}
		expr := strings.TrimSpace(chosen.Expression())
		if expr == "" {
			return PanelRef{}, "", fmt.Errorf("dashtmpl: panel %q target has no expr", panelTitle)
		}
		ref := PanelRef{
			PanelIndex: idx + 1,
			Title:      panel.Title,
			Type:       panel.Type,
		}
		return ref, chosen.Expression(), nil
	}
	return PanelRef{}, "", fmt.Errorf("dashtmpl: panel titled %q not found in template", panelTitle)
}

// DefaultVars extracts template variable defaults (current string values)
// from the template. Missing templates yield an empty map.
func (s *Store) DefaultVars(uid string) (map[string]string, error) {
	tf, err := s.load(uid)
	if err != nil {
		if errors.Is(err, ErrNoTemplate) || errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := make(map[string]string)
	if tf.Dashboard.Templating == nil {
		return out, nil
	}
	for _, v := range tf.Dashboard.Templating.List {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			continue
		}
		if value, ok := v.Current.StringValue(); ok {
			out[name] = value
		}
	}
	return out, nil
}

// MacroVars provides replacements for the Grafana time macros commonly used
// in LogQL and PromQL expressions.
func MacroVars(startMs, endMs, stepMs int64) map[string]string {
	rangeMs := max(0, endMs-startMs)
	rangeS := rangeMs / 1000
	intervalS := max(1, stepMs/1000)
	rangeForFormat := rangeS
	if rangeForFormat <= 0 {
		rangeForFormat = 1
	}
	return map[string]string{
		"__interval":    FormatDuration(intervalS),
		"__interval_ms": strconv.FormatInt(intervalS*1000, 10),
		"__range":       FormatDuration(rangeForFormat),
		"__range_s":     strconv.FormatInt(rangeS, 10),
		"__range_ms":    strconv.FormatInt(rangeMs, 10),
	}
}

// macroOrder fixes the substitution order of the time macros. Several
// of the names prefix each other ($__interval vs $__interval_ms), so the
// order decides which replacement eats the shared prefix; it must not vary
// between calls.
var macroOrder = []string{"__interval", "__interval_ms", "__range", "__range_s", "__range_ms"}

// ApplyVars substitutes $name and ${name} occurrences in expr. Macros are
// applied in macroOrder, remaining variables in sorted order, so identical
// inputs always yield the same query string.
func ApplyVars(expr string, vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for _, name := range macroOrder {
		if _, ok := vars[name]; ok {
			names = append(names, name)
		}
	}
	rest := make([]string, 0, len(vars))
	for name := range vars {
		if !slices.Contains(macroOrder, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	out := expr
	for _, name := range names {
		out = strings.ReplaceAll(out, "$"+name, vars[name])
		out = strings.ReplaceAll(out, "${"+name+"}", vars[name])
	}
	return out
}

// FormatDuration renders whole seconds in the shortest Grafana duration unit.
func FormatDuration(seconds int64) string {
	if seconds < 1 {
		seconds = 1
	}
	if seconds%3600 == 0 {
		return strconv.FormatInt(seconds/3600, 10) + "h"
	}
	if seconds%60 == 0 {
		return strconv.FormatInt(seconds/60, 10) + "m"
	}
	return strconv.FormatInt(seconds, 10) + "s"
}
