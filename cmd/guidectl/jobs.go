package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/owlpress/guideline-pipeline/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job lock state",
}

var (
	jobsLatestBookID string
	jobsLatestType   string
)

var jobsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent job for a book",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.DB.Close()

		job, err := svc.Lock.GetLatest(cmd.Context(), jobsLatestBookID, model.JobType(jobsLatestType))
		if err != nil {
			return fmt.Errorf("get latest job: %w", err)
		}
		return Output(job)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show a single job by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.DB.Close()

		job, err := svc.Lock.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return Output(job)
	},
}

func init() {
	jobsLatestCmd.Flags().StringVar(&jobsLatestBookID, "book-id", "", "book ID (required)")
	jobsLatestCmd.Flags().StringVar(&jobsLatestType, "type", "", "job type filter: ocr_batch, extraction, finalization (optional)")
	_ = jobsLatestCmd.MarkFlagRequired("book-id")

	jobsCmd.AddCommand(jobsLatestCmd)
	jobsCmd.AddCommand(jobsGetCmd)
}
