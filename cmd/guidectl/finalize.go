package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/owlpress/guideline-pipeline/internal/finalize"
	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/model"
)

var (
	finalizeBookID   string
	finalizeProvider string
	finalizeSync     bool
	finalizeGrade    string
	finalizeSubject  string
	finalizeBoard    string
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Run the finalization pass over a book's guidelines index",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.DB.Close()

		provName := finalizeProvider
		if provName == "" {
			provName = svc.Config.Get().Pipeline.DefaultLLMProvider
		}
		llm, err := svc.Registry.GetLLM(provName)
		if err != nil {
			return fmt.Errorf("resolve LLM provider %q: %w", provName, err)
		}

		book := model.Book{
			BookID:  finalizeBookID,
			Grade:   finalizeGrade,
			Subject: finalizeSubject,
			Board:   finalizeBoard,
		}

		jobID, err := svc.Lock.Acquire(cmd.Context(), finalizeBookID, model.JobTypeFinalization, 1)
		if err != nil {
			return fmt.Errorf("acquire job lock: %w", err)
		}
		if err := svc.Lock.Start(cmd.Context(), jobID); err != nil {
			return fmt.Errorf("start job: %w", err)
		}

		rec := metrics.NewRecorder(jobID, finalizeBookID)
		f := finalize.New(svc.Store, svc.Lock, svc.DB, llm,
			finalize.WithLogger(svc.Logger),
			finalize.WithMetrics(rec),
		)
		result, err := f.Run(cmd.Context(), jobID, finalizeBookID, book, finalizeSync)
		if err != nil {
			return fmt.Errorf("run finalization: %w", err)
		}
		logUsage(svc.Logger, rec)

		return Output(result)
	},
}

func init() {
	finalizeCmd.Flags().StringVar(&finalizeBookID, "book-id", "", "book ID to finalize (required)")
	finalizeCmd.Flags().StringVar(&finalizeProvider, "provider", "", "named LLM provider (default: pipeline.default_llm_provider)")
	finalizeCmd.Flags().BoolVar(&finalizeSync, "sync", false, "sync surviving shards into the relational store after finalizing")
	finalizeCmd.Flags().StringVar(&finalizeGrade, "grade", "", "book grade, used to condition prompts")
	finalizeCmd.Flags().StringVar(&finalizeSubject, "subject", "", "book subject, used to condition prompts")
	finalizeCmd.Flags().StringVar(&finalizeBoard, "board", "", "book board, used to condition prompts")
	_ = finalizeCmd.MarkFlagRequired("book-id")
}
