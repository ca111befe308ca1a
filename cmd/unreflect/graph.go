package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"unreflect/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph <binary>",
	Short: "Write the discovery graph as DOT",
	Long: `graph writes one node per recovered artefact and one edge per resolved
reference or call. Unresolved references become "?" nodes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outFile, _ := cmd.Flags().GetString("output")
		strs, _ := cmd.Flags().GetBool("strings")
		unresolved, _ := cmd.Flags().GetBool("unresolved")

		s, runErr := discover(cmd.Context(), args[0])
		if s == nil || s.res == nil || s.res.Registry == nil {
			return runErr
		}
		dot := graph.DOT(s.res.Registry, filepath.Base(args[0]), graph.Options{
			Strings:    strs,
			Unresolved: unresolved,
		})
		if outFile == "" {
			fmt.Print(dot)
			return runErr
		}
		if err := os.WriteFile(outFile, []byte(dot), 0644); err != nil {
			return fmt.Errorf("write %s: %w", outFile, err)
		}
		log.WithField("file", outFile).Info("wrote graph")
		return runErr
	},
}

func init() {
	graphCmd.Flags().StringP("output", "o", "", "output .dot file (default: stdout)")
	graphCmd.Flags().Bool("strings", false, "include string nodes")
	graphCmd.Flags().Bool("unresolved", true, "include unresolved reference nodes")
}
