package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"unreflect/internal/discovery"
	"unreflect/internal/disasm"
	"unreflect/internal/export"
	"unreflect/internal/graph"
)

// maxFuncInsts bounds the disassembly of one recovered function.
const maxFuncInsts = 4096

var dumpCmd = &cobra.Command{
	Use:   "dump <binary> (-o <dir> | -a <archive>)",
	Short: "Export recovered packages, classes, structs, enums and functions as JSON",
	Long: `dump writes one JSON record per recovered object at a path derived from its
blueprint path, e.g. /Script/Engine.Actor is written to Script/Engine/Actor.json.
Archives may be .zip or .tar.zst. A summary.json with statistics and
diagnostics and an index.html overview are written alongside.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		outDir, _ := f.GetString("output")
		archive, _ := f.GetString("archive")
		allowExisting, _ := f.GetBool("allow-existing")
		withASM, _ := f.GetBool("asm")
		include, _ := f.GetStringSlice("include")
		exclude, _ := f.GetStringSlice("exclude")
		filter, _ := f.GetString("filter")

		if (outDir == "") == (archive == "") {
			return errors.New("exactly one of --output or --archive is required")
		}
		opts := export.Options{Include: include, Exclude: exclude, Filter: filter}
		if _, err := opts.Selected(); err != nil {
			return err
		}

		s, runErr := discover(cmd.Context(), args[0])
		if s == nil || s.res == nil || s.res.Registry == nil {
			return runErr
		}

		var out export.Output
		var err error
		if outDir != "" {
			out, err = export.NewDirOutput(outDir, allowExisting)
		} else {
			out, err = export.OpenArchive(archive, allowExisting)
		}
		if err != nil {
			return err
		}

		c := export.NewContext(s.res.Registry, s.res.Table)
		sum, err := export.Export(cmd.Context(), c, out, opts)
		if err != nil {
			out.Close()
			return err
		}
		if withASM {
			if err := dumpASM(out, s); err != nil {
				out.Close()
				return err
			}
		}
		rs := export.NewRunSummary(args[0], s.res, sum)
		if err := export.WriteSummary(out, rs); err != nil {
			out.Close()
			return err
		}
		if err := export.WriteIndex(out, rs, filepath.Base(args[0])); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}

		fields := log.Fields{"skipped": len(sum.Skipped), "filtered": sum.Filtered}
		for k, n := range sum.Written {
			fields[k] = n
		}
		log.WithFields(fields).Info("export complete")
		return runErr
	},
}

func init() {
	f := dumpCmd.Flags()
	f.StringP("output", "o", "", "output directory")
	f.StringP("archive", "a", "", "output archive (.zip or .tar.zst)")
	f.StringSlice("include", nil, fmt.Sprintf("element types to export %v", export.Elements))
	f.StringSlice("exclude", nil, "element types to skip")
	f.String("filter", "", "only export objects whose path contains this (case-insensitive)")
	f.Bool("allow-existing", false, "write into a non-empty directory or over an existing archive")
	f.Bool("asm", false, "also write annotated disassembly of every recovered function to asm/")
}

// symbolNames names every recovered function and data object for
// disassembly listings.
func symbolNames(reg *discovery.Registry) (funcs, data map[uint64]string) {
	funcs = map[uint64]string{}
	data = map[uint64]string{}
	for _, a := range reg.All() {
		switch a.(type) {
		case *discovery.FunctionArtefact:
			funcs[a.Addr()] = graph.Label(reg, a)
		case *discovery.StructArtefact:
			data[a.Addr()] = graph.Label(reg, a)
		}
	}
	return funcs, data
}

func annotators(s *session, data map[uint64]string) []disasm.Annotator {
	return []disasm.Annotator{
		disasm.NameAnnotator(data),
		disasm.StringAnnotator(s.img, 64),
		disasm.FrameAnnotator(),
	}
}

func dumpASM(out export.Output, s *session) error {
	reg := s.res.Registry
	funcs, data := symbolNames(reg)
	lookup := disasm.PlaceholderLookup(funcs)
	ann := annotators(s, data)
	n := 0
	for _, a := range reg.ByKind(discovery.KeyFunction) {
		fn := a.(*discovery.FunctionArtefact)
		if discovery.Unparsable(fn) {
			continue
		}
		insts, err := s.reader.Walk(fn.Start, maxFuncInsts)
		if err != nil && len(insts) == 0 {
			log.WithError(err).WithField("addr", fmt.Sprintf("0x%x", fn.Start)).Debug("no disassembly")
			continue
		}
		name := fmt.Sprintf("%s_%x", fn.Class, fn.Start)
		if err := export.WriteASM(out, name, insts, lookup, ann...); err != nil {
			return err
		}
		n++
	}
	log.WithField("functions", n).Info("wrote disassembly")
	return nil
}
