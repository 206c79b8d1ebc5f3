package main

import (
	"cdss-inference/internal/models"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var followStatus bool

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Get task status",
	Long:  `Retrieve the status of an inference task. With --follow the task is polled until it finishes.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll task status until completion")
	statusCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval used with --follow")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()

	if !followStatus {
		status, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return displayStatus(status)
	}

	if !isJSONOutput() {
		fmt.Printf("Following task %s (press Ctrl+C to stop)...\n", args[0])
	}
	var last models.JobStatus
	status, err := c.Wait(cmd.Context(), args[0], pollInterval, func(s *models.StatusResponse) {
		if s.Status != last && !isJSONOutput() {
			fmt.Printf("  %s\n", s.Status)
			last = s.Status
		}
	})
	if err != nil {
		return err
	}
	return displayStatus(status)
}

func displayStatus(status *models.StatusResponse) error {
	if isJSONOutput() {
		return printJSON(status)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Task ID", status.TaskID)
	table.Append("Status", string(status.Status))

	switch status.Status {
	case models.StatusSuccess:
		if status.Result != nil {
			table.Append("Label", status.Result.Label)
			table.Append("Probability", strconv.FormatFloat(status.Result.Probability, 'f', 4, 64))
		}
		table.Append("Used Fallback", strconv.FormatBool(status.UsedFallback))
	case models.StatusFailure:
		table.Append("Error", status.Error)
	default:
		if status.Message != "" {
			table.Append("Message", status.Message)
		}
	}

	return table.Render()
}
