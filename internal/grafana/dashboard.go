package grafana

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DashboardEnvelope is the response of GET /api/dashboards/uid/:uid.
type DashboardEnvelope struct {
	Meta      *DashboardMeta `json:"meta"`
	Dashboard *DashboardBody `json:"dashboard"`
}

// DashboardMeta carries the subset of dashboard metadata the proxy uses.
type DashboardMeta struct {
	Slug string `json:"slug"`
}

// DashboardBody is the dashboard definition itself.
type DashboardBody struct {
	Title      *string     `json:"title"`
	Panels     []Panel     `json:"panels"`
	Templating *Templating `json:"templating"`
}

// Templating holds dashboard template variables.
type Templating struct {
	List []TemplateVar `json:"list"`
}

// TemplateVar is one template variable with its current selection.
type TemplateVar struct {
	Name    string           `json:"name"`
	Current *TemplateCurrent `json:"current"`
}

// TemplateCurrent is the current selection of a template variable. Value may
// be a string or a list; only string values are usable as substitutions.
type TemplateCurrent struct {
	Value json.RawMessage `json:"value"`
}

// StringValue returns the current value when it is a non-empty string.
func (c *TemplateCurrent) StringValue() (string, bool) {
	if c == nil || len(c.Value) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// Panel is one dashboard panel. Rows nest their members under Panels.
type Panel struct {
	ID      *PanelID `json:"id"`
	Title   *string  `json:"title"`
	Type    *string  `json:"type"`
	GridPos *GridPos `json:"gridPos"`
	Panels  []Panel  `json:"panels"`
	Targets []Target `json:"targets"`
}

// PanelID tolerates panel ids encoded as numbers or numeric strings.
type PanelID int

// UnmarshalJSON implements json.Unmarshaler.
func (p *PanelID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Non-numeric ids behave like absent ones.
		return nil
	}
	*p = PanelID(n)
	return nil
}

// GridPos is the panel layout rectangle.
type GridPos struct {
	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`
	W *int `json:"w,omitempty"`
	H *int `json:"h,omitempty"`
}

// Target is one panel query target.
type Target struct {
	RefID string `json:"refId"`
	Expr  string `json:"expr"`
	Query string `json:"query"`
}

// Expression returns the target's query expression, preferring expr over
// query.
func (t Target) Expression() string {
	if strings.TrimSpace(t.Expr) != "" {
		return t.Expr
	}
	return t.Query
}

// Slug returns the dashboard slug, or "-" when metadata lacks one. The slug
// only disambiguates render URLs so the placeholder is safe.
func (e *DashboardEnvelope) Slug() string {
	if e != nil && e.Meta != nil {
		if slug := strings.TrimSpace(e.Meta.Slug); slug != "" {
			return slug
		}
	}
	return "-"
}

// Title returns the dashboard title when present.
func (e *DashboardEnvelope) Title() *string {
	if e == nil || e.Dashboard == nil {
		return nil
	}
	return e.Dashboard.Title
}

func panelType(p Panel) string {
	if p.Type == nil {
		return ""
	}
	return *p.Type
}

func isContainerType(t string) bool {
	return t == "row" || t == "dashboard"
}

// FirstRenderablePanelID walks the panel tree and returns the id of the first
// panel that /render/d-solo can draw. Rows, nested dashboards and text panels
// are skipped; row members are considered before the row itself.
func (e *DashboardEnvelope) FirstRenderablePanelID() *int {
	if e == nil || e.Dashboard == nil {
		return nil
	}
	return firstRenderable(e.Dashboard.Panels)
}

func firstRenderable(panels []Panel) *int {
	for _, p := range panels {
		if found := firstRenderable(p.Panels); found != nil {
			return found
		}
		t := panelType(p)
		if isContainerType(t) || t == "text" {
			continue
		}
		if p.ID != nil {
			id := int(*p.ID)
			return &id
		}
	}
	return nil
}

// PanelSummary is the flattened panel record returned by dashboard summaries.
type PanelSummary struct {
	ID         *int     `json:"id"`
	PanelIndex int      `json:"panelIndex,omitempty"`
	Title      *string  `json:"title"`
	Type       *string  `json:"type"`
	RowTitle   *string  `json:"rowTitle"`
	GridPos    *GridPos `json:"gridPos,omitempty"`
	Renderable bool     `json:"renderable"`
}

// PanelSummaries flattens the panel tree into summaries ordered by panel id
// and then title. Containers keep null ids and sort first.
func (e *DashboardEnvelope) PanelSummaries() []PanelSummary {
	if e == nil || e.Dashboard == nil {
		return []PanelSummary{}
	}
	out := make([]PanelSummary, 0, len(e.Dashboard.Panels))
	collectSummaries(e.Dashboard.Panels, nil, &out)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := 0, 0
		if a.ID != nil {
			an = *a.ID
		}
		if b.ID != nil {
			bn = *b.ID
		}
		if an != bn {
			return an < bn
		}
		at, bt := "", ""
		if a.Title != nil {
			at = *a.Title
		}
		if b.Title != nil {
			bt = *b.Title
		}
		return at < bt
	})
	return out
}

func collectSummaries(panels []Panel, rowTitle *string, out *[]PanelSummary) {
	for _, p := range panels {
		if len(p.Panels) > 0 {
			nested := rowTitle
			if p.Title != nil {
				nested = p.Title
			}
			collectSummaries(p.Panels, nested, out)
		}

		summary := PanelSummary{
			Title:    p.Title,
			Type:     p.Type,
			RowTitle: rowTitle,
			GridPos:  p.GridPos,
		}
		if p.ID != nil {
			id := int(*p.ID)
			summary.ID = &id
		}
		t := panelType(p)
		summary.Renderable = summary.ID != nil && *summary.ID > 0 && !isContainerType(t)
		*out = append(*out, summary)
	}
}

// DashboardRef identifies a dashboard in summary responses.
type DashboardRef struct {
	UID   string  `json:"uid"`
	Slug  string  `json:"slug"`
	Title *string `json:"title"`
}

// DashboardSummary is the title plus flattened panel list for a dashboard.
type DashboardSummary struct {
	Dashboard DashboardRef   `json:"dashboard"`
	Panels    []PanelSummary `json:"panels"`
}

// Summary builds a DashboardSummary for the envelope.
func (e *DashboardEnvelope) Summary(uid string) DashboardSummary {
	return DashboardSummary{
		Dashboard: DashboardRef{
			UID:   uid,
			Slug:  e.Slug(),
			Title: e.Title(),
		},
		Panels: e.PanelSummaries(),
	}
}
