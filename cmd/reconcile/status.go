package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Poll a run's status and stage timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runStatus(root, args[0])
		},
	}
	return cmd
}

type statusResponse struct {
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message"`
	Stages       []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Details string `json:"details"`
	} `json:"stages"`
}

func runStatus(root *rootOptions, runID string) error {
	if _, err := strconv.ParseInt(runID, 10, 64); err != nil {
		return fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	var resp statusResponse
	client := newAPIClient(root.addr)
	if err := client.do("GET", "/api/status/"+runID, nil, &resp); err != nil {
		return err
	}

	fmt.Printf("status=%s current_stage=%s progress=%d%%\n", resp.Status, resp.CurrentStage, resp.Progress)
	if resp.ErrorMessage != "" {
		fmt.Printf("error: %s\n", resp.ErrorMessage)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Stage", "Status", "Details"})
	for _, s := range resp.Stages {
		t.AppendRow(table.Row{s.Name, s.Status, s.Details})
	}
	t.Render()
	return nil
}
