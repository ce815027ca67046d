package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGenerateCmd(root *rootOptions) *cobra.Command {
	var columns string

	cmd := &cobra.Command{
		Use:   "generate <run_id>",
		Short: "Queue a combination for reconciliation on a run (reports completed if already cached)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runGenerate(root, args[0], columns)
		},
	}
	cmd.Flags().StringVar(&columns, "columns", "", "Comma-separated key columns")
	_ = cmd.MarkFlagRequired("columns")
	return cmd
}

func runGenerate(root *rootOptions, runID, columns string) error {
	var resp map[string]string
	client := newAPIClient(root.addr)
	path := fmt.Sprintf("/api/comparison-export/%s/generate?columns=%s", runID, columns)
	if err := client.do("POST", path, nil, &resp); err != nil {
		return err
	}
	fmt.Printf("status=%s\n", resp["status"])
	return nil
}
