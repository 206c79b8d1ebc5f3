package main

import (
	"cdss-inference/internal/client"
	"cdss-inference/internal/models"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	submitModel  string
	submitWait   bool
	pollInterval time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <prediction-id> <dicom-url>",
	Short: "Submit an inference job",
	Long:  `Queue a DICOM file for classification. With --wait the command follows the task until it finishes.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitModel, "model", string(models.ModelBrainMRI), "model to run: brain_mri or lung_ct")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the task reaches a terminal state")
	submitCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval used with --wait")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	model, err := models.ParseModelKind(submitModel)
	if err != nil {
		return err
	}

	c := newClient()
	taskID, err := c.Submit(cmd.Context(), model, args[0], args[1])
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.TaskID != "" {
			fmt.Fprintf(os.Stderr, "Task %s was recorded as failed\n", apiErr.TaskID)
		}
		return err
	}

	if !submitWait {
		if isJSONOutput() {
			return printJSON(models.SubmitResponse{TaskID: taskID})
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Task ID", taskID)
		table.Append("Model", string(model))
		table.Append("Prediction ID", args[0])
		table.Render()
		return nil
	}

	status, err := c.Wait(cmd.Context(), taskID, pollInterval, nil)
	if err != nil {
		return err
	}
	return displayStatus(status)
}
