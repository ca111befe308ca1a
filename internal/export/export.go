package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/goccy/go-json"

	"unreflect/internal/discovery"
	"unreflect/internal/match"
	"unreflect/internal/uefmt"
)

// ErrNoElements is returned when include and exclude leave nothing to export.
var ErrNoElements = errors.New("export: no elements selected")

// Options selects what Export writes.
type Options struct {
	Include []string // type names; empty means all
	Exclude []string
	Filter  string // case-insensitive substring of the blueprint path
}

// Selected returns the element type names chosen by o, in export order.
func (o Options) Selected() ([]string, error) {
	in := map[string]bool{}
	for _, e := range o.Include {
		if _, ok := elementKinds[e]; !ok {
			return nil, fmt.Errorf("export: unknown element %q", e)
		}
		in[e] = true
	}
	out := map[string]bool{}
	for _, e := range o.Exclude {
		if _, ok := elementKinds[e]; !ok {
			return nil, fmt.Errorf("export: unknown element %q", e)
		}
		out[e] = true
	}
	var sel []string
	for _, e := range Elements {
		if (len(in) == 0 || in[e]) && !out[e] {
			sel = append(sel, e)
		}
	}
	if len(sel) == 0 {
		return nil, ErrNoElements
	}
	return sel, nil
}

// Summary counts what Export wrote.
type Summary struct {
	Written  map[string]int `json:"written"`
	Filtered int            `json:"filtered"`
	Skipped  []Skip         `json:"skipped,omitempty"`
}

// Skip is an object left out of the export.
type Skip struct {
	Addr   uint64 `json:"addr"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Export writes one JSON record per selected object to out, at the path
// PathFor derives from its blueprint path. Objects whose path or record
// cannot be resolved are skipped and listed in the summary.
func Export(ctx context.Context, c *Context, out Output, opts Options) (*Summary, error) {
	sel, err := opts.Selected()
	if err != nil {
		return nil, err
	}
	filter := strings.ToLower(opts.Filter)
	sum := &Summary{Written: map[string]int{}}
	seen := map[string]uint64{}

	for _, typename := range sel {
		structs := c.Registry.Structs(elementKinds[typename])
		log.WithFields(log.Fields{"type": typename, "count": len(structs)}).Info("exporting")
		for _, s := range structs {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			skip := func(err error) {
				sum.Skipped = append(sum.Skipped, Skip{Addr: s.Start, Type: typename, Reason: err.Error()})
				log.WithFields(log.Fields{"addr": fmt.Sprintf("0x%x", s.Start), "type": typename}).WithError(err).Debug("skipped")
			}
			got, bpath, err := c.Ref(s)
			if err != nil {
				skip(err)
				continue
			}
			if got != typename {
				skip(fmt.Errorf("export: %s resolves to a %s", bpath, got))
				continue
			}
			if filter != "" && !strings.Contains(strings.ToLower(bpath), filter) {
				sum.Filtered++
				continue
			}
			file, err := PathFor(typename, bpath)
			if err != nil {
				skip(err)
				continue
			}
			file += ".json"
			if prev, dup := seen[file]; dup {
				skip(fmt.Errorf("export: %s already written for 0x%x", file, prev))
				continue
			}
			rec, err := c.Record(s)
			if err != nil {
				skip(err)
				continue
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return sum, fmt.Errorf("export: encode %s: %w", bpath, err)
			}
			if err := out.WriteFile(file, data); err != nil {
				return sum, fmt.Errorf("export: write %s: %w", file, err)
			}
			seen[file] = s.Start
			sum.Written[typename]++
		}
	}
	return sum, nil
}

// RunSummary is the content of summary.json.
type RunSummary struct {
	Image     string           `json:"image,omitempty"`
	Version   string           `json:"version,omitempty"`
	Table     string           `json:"table,omitempty"`
	State     discovery.State  `json:"state"`
	Partial   bool             `json:"partial"`
	Processed int              `json:"processed"`
	Anchors   []match.Anchor   `json:"anchors"`
	CallSites int              `json:"call_sites"`
	Stats     *discovery.Stats `json:"stats,omitempty"`
	DiagKinds map[string]int   `json:"diag_kinds,omitempty"`
	Diags     []uefmt.Diag     `json:"diags,omitempty"`
	Export    *Summary         `json:"export,omitempty"`
}

// maxSummaryDiags caps the diagnostics listed in summary.json; all are
// counted in DiagKinds.
const maxSummaryDiags = 1000

// NewRunSummary summarises a discovery result and an optional export.
func NewRunSummary(image string, res *discovery.Result, sum *Summary) *RunSummary {
	rs := &RunSummary{
		Image:     image,
		Version:   res.Version,
		State:     res.State,
		Partial:   res.Partial,
		Processed: res.Processed,
		Anchors:   res.Anchors.Sorted(),
		CallSites: len(res.CallSites),
		Export:    sum,
	}
	if res.Table != nil {
		rs.Table = res.Table.Name
	}
	if res.Registry != nil {
		st := res.Registry.Stats()
		rs.Stats = &st
	}
	if len(res.Diags) > 0 {
		rs.DiagKinds = map[string]int{}
		for _, d := range res.Diags {
			rs.DiagKinds[string(d.Kind)]++
		}
		rs.Diags = res.Diags
		if len(rs.Diags) > maxSummaryDiags {
			rs.Diags = rs.Diags[:maxSummaryDiags]
		}
	}
	return rs
}

// WriteSummary writes summary.json.
func WriteSummary(out Output, rs *RunSummary) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode summary: %w", err)
	}
	return out.WriteFile("summary.json", data)
}

// Kinds returns the diagnostic kinds of rs sorted by name.
func (rs *RunSummary) Kinds() []string {
	out := make([]string, 0, len(rs.DiagKinds))
	for k := range rs.DiagKinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
