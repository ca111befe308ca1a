package export

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"unreflect/internal/match"
)

// Palette colours the bars of the index page, one colour per artefact group.
type Palette struct {
	Background string
	Text       string
	Accent     string

	Struct     string
	Function   string
	String     string
	Unparsable string
}

// NASA is a geometric, mostly monochrome palette.
var NASA = Palette{
	Background: "#F5F5F5",
	Text:       "#1A1A1A",
	Accent:     "#0B3D91",

	Struct:     "#0B3D91",
	Function:   "#00695C",
	String:     "#9E9E9E",
	Unparsable: "#FC3D21",
}

// maxIndexDiags caps the diagnostics listed on the index page.
const maxIndexDiags = 50

// WriteIndexHTML writes a small HTML page summarising a run.
func WriteIndexHTML(w io.Writer, rs *RunSummary, title string) {
	p := NASA
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: "Helvetica Neue", Helvetica, Arial, sans-serif; font-size: 14px; color: %s; background: %s; margin: 2em; max-width: 900px; }
h1 { font-size: 18px; font-weight: 600; margin-bottom: 0.5em; }
h2 { font-size: 14px; font-weight: 600; margin-top: 1.5em; border-bottom: 1px solid #ddd; padding-bottom: 4px; }
table { border-collapse: collapse; margin: 0.5em 0; }
th, td { text-align: left; padding: 3px 12px 3px 0; font-size: 13px; }
th { font-weight: 600; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
.key { display: inline-block; width: 10px; height: 10px; border-radius: 2px; margin-right: 4px; vertical-align: middle; }
.bar { height: 8px; border-radius: 2px; display: inline-block; vertical-align: middle; }
.mono { font-family: "Courier New", monospace; font-size: 12px; }
</style>
</head>
<body>
`, htmlEscape(title), p.Text, p.Background)

	fmt.Fprintf(w, "<h1>%s</h1>\n", htmlEscape(title))

	fmt.Fprintln(w, "<h2>Summary</h2>")
	fmt.Fprintln(w, "<table>")
	row := func(k, v string) {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td></tr>\n", k, htmlEscape(v))
	}
	row("Image", rs.Image)
	row("Engine version", orDash(rs.Version))
	row("Layouts", orDash(rs.Table))
	state := rs.State.String()
	if rs.Partial {
		state += " (partial)"
	}
	row("State", state)
	fmt.Fprintf(w, "<tr><td>Items processed</td><td class=\"num\">%d</td></tr>\n", rs.Processed)
	fmt.Fprintf(w, "<tr><td>Generator call sites</td><td class=\"num\">%d</td></tr>\n", rs.CallSites)
	fmt.Fprintln(w, "</table>")

	if len(rs.Anchors) > 0 {
		fmt.Fprintln(w, "<h2>Construct Helpers</h2>")
		fmt.Fprintln(w, "<table>")
		fmt.Fprintln(w, "<tr><th>Helper</th><th>Address</th><th>Frame</th><th>Calls</th><th>Found by</th></tr>")
		for _, a := range rs.Anchors {
			fmt.Fprintf(w, "<tr><td class=\"mono\">%s</td><td class=\"mono\">0x%x</td><td class=\"num\">0x%x</td><td class=\"num\">%d</td><td>%s</td></tr>\n",
				htmlEscape(match.HelperName(a.Kind)), a.Addr, a.Frame, a.Calls, htmlEscape(a.Source))
		}
		fmt.Fprintln(w, "</table>")
	}

	if st := rs.Stats; st != nil && st.Total > 0 {
		fmt.Fprintln(w, "<h2>Artefacts</h2>")
		fmt.Fprintln(w, "<table>")
		fmt.Fprintln(w, "<tr><th></th><th>Kind</th><th>Count</th><th></th></tr>")
		bar := func(color, label string, count int) {
			if count == 0 {
				return
			}
			barW := count * 200 / st.Total
			if barW < 2 {
				barW = 2
			}
			fmt.Fprintf(w, "<tr><td><span class=\"key\" style=\"background:%s\"></span></td><td>%s</td><td class=\"num\">%d</td><td><span class=\"bar\" style=\"width:%dpx;background:%s\"></span></td></tr>\n",
				color, htmlEscape(label), count, barW, color)
		}
		for _, k := range sortedKeys(st.Structs) {
			bar(p.Struct, k, st.Structs[k])
		}
		for _, k := range sortedKeys(st.Functions) {
			bar(p.Function, k, st.Functions[k])
		}
		bar(p.String, "strings", st.Strings)
		bar(p.Unparsable, "unparsable", st.Unparsable)
		fmt.Fprintf(w, "<tr><td></td><td>total</td><td class=\"num\">%d</td><td></td></tr>\n", st.Total)
		fmt.Fprintln(w, "</table>")
	}

	if ex := rs.Export; ex != nil {
		fmt.Fprintln(w, "<h2>Exported</h2>")
		fmt.Fprintln(w, "<table>")
		for _, typename := range Elements {
			if n, ok := ex.Written[typename]; ok {
				fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%d</td></tr>\n", typename, n)
			}
		}
		if ex.Filtered > 0 {
			fmt.Fprintf(w, "<tr><td>filtered out</td><td class=\"num\">%d</td></tr>\n", ex.Filtered)
		}
		if len(ex.Skipped) > 0 {
			fmt.Fprintf(w, "<tr><td>skipped</td><td class=\"num\">%d</td></tr>\n", len(ex.Skipped))
		}
		fmt.Fprintln(w, "</table>")
	}

	if len(rs.DiagKinds) > 0 {
		fmt.Fprintln(w, "<h2>Diagnostics</h2>")
		fmt.Fprintln(w, "<table>")
		for _, k := range rs.Kinds() {
			fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%d</td></tr>\n", htmlEscape(k), rs.DiagKinds[k])
		}
		fmt.Fprintln(w, "</table>")

		limit := maxIndexDiags
		if len(rs.Diags) < limit {
			limit = len(rs.Diags)
		}
		fmt.Fprintln(w, "<table>")
		fmt.Fprintln(w, "<tr><th>Address</th><th>Kind</th><th>Message</th></tr>")
		for _, d := range rs.Diags[:limit] {
			fmt.Fprintf(w, "<tr><td class=\"mono\">0x%x</td><td>%s</td><td>%s</td></tr>\n",
				d.Addr, htmlEscape(string(d.Kind)), htmlEscape(d.Msg))
		}
		if len(rs.Diags) > limit {
			fmt.Fprintf(w, "<tr><td colspan=\"3\">... and %d more in summary.json</td></tr>\n", len(rs.Diags)-limit)
		}
		fmt.Fprintln(w, "</table>")
	}

	fmt.Fprintln(w, "</body></html>")
}

// WriteIndex writes index.html to out.
func WriteIndex(out Output, rs *RunSummary, title string) error {
	var b bytes.Buffer
	WriteIndexHTML(&b, rs, title)
	return out.WriteFile("index.html", b.Bytes())
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
