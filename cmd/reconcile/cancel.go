package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCancel(root, args[0])
		},
	}
	return cmd
}

func runCancel(root *rootOptions, runID string) error {
	var resp map[string]bool
	client := newAPIClient(root.addr)
	if err := client.do("POST", "/api/cancel/"+runID, nil, &resp); err != nil {
		return err
	}
	fmt.Printf("cancelled=%v\n", resp["cancelled"])
	return nil
}
