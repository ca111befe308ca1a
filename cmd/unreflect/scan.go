package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"unreflect/internal/discovery"
	"unreflect/internal/export"
	"unreflect/internal/match"
)

var (
	headerColor = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	countColor  = color.New(color.FgHiGreen).SprintFunc()
	warnColor   = color.New(color.FgHiYellow).SprintFunc()
	failColor   = color.New(color.Bold, color.FgHiRed).SprintFunc()
)

var scanCmd = &cobra.Command{
	Use:   "scan <binary>",
	Short: "Discover reflection data and print counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		s, err := discover(cmd.Context(), args[0])
		if s == nil || s.res == nil {
			return err
		}
		if jsonOut {
			data, jerr := json.MarshalIndent(export.NewRunSummary(args[0], s.res, nil), "", "  ")
			if jerr != nil {
				return jerr
			}
			fmt.Println(string(data))
			return err
		}
		printScan(os.Stdout, s, args[0])
		return err
	},
}

func init() {
	scanCmd.Flags().Bool("json", false, "print the run summary as JSON")
}

func printScan(w io.Writer, s *session, path string) {
	res := s.res
	fmt.Fprintf(w, "%s %s (%s, %s)\n", headerColor("Image:"), path, s.img.Format, humanize.Bytes(uint64(s.img.FileSize)))
	for _, sec := range s.img.Sections {
		perm := "r"
		if sec.Writable {
			perm += "w"
		}
		if sec.Exec {
			perm += "x"
		}
		fmt.Fprintf(w, "  %-10s VA=0x%012x  %-4s %s\n", sec.Name, sec.Addr, perm, humanize.IBytes(sec.Size))
	}
	version := res.Version
	if version == "" {
		version = "unknown"
	}
	table := "-"
	if res.Table != nil {
		table = res.Table.Name
	}
	fmt.Fprintf(w, "%s %s (layouts %s)\n", headerColor("Engine:"), version, table)

	state := countColor(res.State)
	if res.State == discovery.StateFailed {
		state = failColor(res.State)
	} else if res.Partial {
		state = warnColor(res.State.String() + ", partial")
	}
	fmt.Fprintf(w, "%s %s after %s items\n", headerColor("State:"), state, humanize.Comma(int64(res.Processed)))

	if len(res.Anchors) > 0 {
		fmt.Fprintln(w, headerColor("\nConstruct helpers:"))
		for _, a := range res.Anchors.Sorted() {
			fmt.Fprintf(w, "  %-32s 0x%x  frame=0x%x  calls=%s  (%s)\n",
				match.HelperName(a.Kind), a.Addr, a.Frame, countColor(humanize.Comma(int64(a.Calls))), a.Source)
		}
		fmt.Fprintf(w, "  call sites: %s\n", countColor(humanize.Comma(int64(len(res.CallSites)))))
	}

	if res.Registry != nil {
		st := res.Registry.Stats()
		fmt.Fprintln(w, headerColor("\nArtefacts:"))
		printCounts(w, "struct", st.Structs)
		printCounts(w, "function", st.Functions)
		fmt.Fprintf(w, "  %-28s %s\n", "strings", countColor(humanize.Comma(int64(st.Strings))))
		unparsable := countColor(st.Unparsable)
		if st.Unparsable > 0 {
			unparsable = warnColor(st.Unparsable)
		}
		fmt.Fprintf(w, "  %-28s %s\n", "unparsable", unparsable)
		fmt.Fprintf(w, "  %-28s %s\n", "total", countColor(humanize.Comma(int64(st.Total))))
	}

	if len(res.Diags) > 0 {
		rs := export.NewRunSummary(path, res, nil)
		fmt.Fprintf(w, "%s %s\n", headerColor("\nDiagnostics:"), warnColor(len(res.Diags)))
		for _, k := range rs.Kinds() {
			fmt.Fprintf(w, "  %-28s %d\n", k, rs.DiagKinds[k])
		}
	}
}

func printCounts(w io.Writer, prefix string, m map[string]int) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "  %-28s %s\n", prefix+" "+k, countColor(humanize.Comma(int64(m[k]))))
	}
}
