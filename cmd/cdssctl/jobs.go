package main

import (
	"cdss-inference/internal/models"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <PENDING|RUNNING|SUCCESS|FAILURE>",
	Short: "List jobs by status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show service counters",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	status, err := models.ParseJobStatus(args[0])
	if err != nil {
		return err
	}

	jobs, err := newClient().ListJobs(cmd.Context(), status)
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task ID", "Prediction ID", "Model", "Status", "Attempts", "Error", "Created")
	for _, job := range jobs {
		errDisplay := "-"
		if job.Error != "" {
			errDisplay = job.Error
		}
		table.Append(
			job.ID,
			job.PredictionID,
			string(job.Model),
			string(job.Status),
			strconv.Itoa(job.Attempts),
			errDisplay,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := newClient().Stats(cmd.Context())
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(stats)
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	for _, name := range names {
		table.Append(name, strconv.FormatInt(stats[name], 10))
	}
	return table.Render()
}
