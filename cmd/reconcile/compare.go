package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type compareOptions struct {
	fileA                   string
	fileB                   string
	numColumns              int
	expectedCombinations    []string
	excludedCombinations    []string
	maxRows                 int
	dataQualityCheck        bool
	useIntelligentDiscovery bool
}

func newCompareCmd(root *rootOptions) *cobra.Command {
	opts := &compareOptions{numColumns: 1}

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Submit a run comparing two files",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runCompare(root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.fileA, "file-a", "", "Path to file A")
	cmd.Flags().StringVar(&opts.fileB, "file-b", "", "Path to file B")
	cmd.Flags().IntVar(&opts.numColumns, "num-columns", 1, "Candidate key size")
	cmd.Flags().StringArrayVar(&opts.expectedCombinations, "expected-combinations", nil, "Pinned column combinations, comma separated columns per entry")
	cmd.Flags().StringArrayVar(&opts.excludedCombinations, "excluded-combinations", nil, "Excluded column combinations")
	cmd.Flags().IntVar(&opts.maxRows, "max-rows", 0, "Row limit hint (0 = auto)")
	cmd.Flags().BoolVar(&opts.dataQualityCheck, "data-quality-check", false, "Run the optional quality pre-stage")
	cmd.Flags().BoolVar(&opts.useIntelligentDiscovery, "use-intelligent-discovery", false, "Use Intelligent discovery mode")
	_ = cmd.MarkFlagRequired("file-a")
	_ = cmd.MarkFlagRequired("file-b")

	return cmd
}

func runCompare(root *rootOptions, opts *compareOptions) error {
	body := map[string]any{
		"file_a":                    opts.fileA,
		"file_b":                    opts.fileB,
		"num_columns":               opts.numColumns,
		"expected_combinations":     opts.expectedCombinations,
		"excluded_combinations":     opts.excludedCombinations,
		"max_rows":                  opts.maxRows,
		"data_quality_check":        opts.dataQualityCheck,
		"use_intelligent_discovery": opts.useIntelligentDiscovery,
	}
	var resp map[string]int64
	client := newAPIClient(root.addr)
	if err := client.do("POST", "/compare", body, &resp); err != nil {
		return err
	}
	fmt.Printf("run_id=%d\n", resp["run_id"])
	return nil
}
