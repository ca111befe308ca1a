package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"unreflect/internal/binx"
	"unreflect/internal/disasm"
	"unreflect/internal/graph"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <binary> --addr <va>",
	Short: "Disassemble one function with recovered names and string annotations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		addrStr, _ := f.GetString("addr")
		count, _ := f.GetInt("count")
		cfgFile, _ := f.GetString("cfg")
		names, _ := f.GetBool("names")

		if addrStr == "" {
			return errors.New("--addr is required")
		}
		addr, err := strconv.ParseUint(addrStr, 0, 64)
		if err != nil {
			return fmt.Errorf("--addr: %w", err)
		}

		var (
			s      *session
			runErr error
		)
		if names {
			s, runErr = discover(cmd.Context(), args[0])
			if s == nil {
				return runErr
			}
			if runErr != nil {
				log.WithError(runErr).Warn("discovery failed, names may be missing")
			}
		} else {
			img, err := binx.Open(args[0])
			if err != nil {
				return err
			}
			s = &session{img: img, reader: disasm.NewReader(img, readerCache)}
		}

		var insts []disasm.Inst
		if count > 0 {
			insts, err = s.reader.Seq(addr, count)
		} else {
			insts, err = s.reader.Walk(addr, maxFuncInsts)
		}
		if len(insts) == 0 {
			return fmt.Errorf("disassemble 0x%x: %w", addr, err)
		}
		if err != nil {
			log.WithError(err).Warn("disassembly truncated")
		}

		funcs, data := map[uint64]string{}, map[uint64]string{}
		if s.res != nil && s.res.Registry != nil {
			funcs, data = symbolNames(s.res.Registry)
		}
		lookup := disasm.PlaceholderLookup(funcs)
		ann := annotators(s, data)

		name := funcs[addr]
		if name == "" {
			name = fmt.Sprintf("sub_%x", addr)
		}
		fmt.Printf("; %s\n", name)
		fmt.Print(disasm.Format(insts, lookup, ann...))

		if cfgFile != "" {
			fi := graph.FuncInfo{
				Name:      name,
				Insts:     insts,
				CallEdges: disasm.ExtractCallEdges(insts, lookup, ann, 8),
				Strings:   stringRefs(s, insts),
			}
			dot := graph.CFGDOT([]graph.FuncInfo{fi}, name)
			if err := os.WriteFile(cfgFile, []byte(dot), 0644); err != nil {
				return fmt.Errorf("write %s: %w", cfgFile, err)
			}
			log.WithField("file", cfgFile).Info("wrote CFG")
		}
		return nil
	},
}

func init() {
	f := disasmCmd.Flags()
	f.String("addr", "", "function address (0x-prefixed hex or decimal)")
	f.Int("count", 0, "decode exactly this many instructions instead of stopping at ret")
	f.String("cfg", "", "also write the control flow graph as DOT to this file")
	f.Bool("names", true, "run discovery to name helpers, generators and parameter structs")
}

// stringRefs maps the instructions of insts that load a string literal to
// its value.
func stringRefs(s *session, insts []disasm.Inst) map[uint64]string {
	_, _, refs := disasm.FunctionRecords("", insts, s.img, nil)
	out := make(map[uint64]string, len(refs))
	for _, r := range refs {
		pc, err := strconv.ParseUint(r.PC, 0, 64)
		if err != nil {
			continue
		}
		out[pc] = r.Value
	}
	return out
}
