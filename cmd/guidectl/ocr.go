package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/ocrworker"
)

var (
	ocrBookID   string
	ocrPages    []int
	ocrProvider string
)

var ocrCmd = &cobra.Command{
	Use:   "ocr",
	Short: "Run the bulk OCR worker over a book's uploaded pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.DB.Close()

		pipeline := svc.Config.Get().Pipeline
		if limit := pipeline.BulkUploadFileCap; limit > 0 && len(ocrPages) > limit {
			return fmt.Errorf("too many pages: %d exceeds the bulk upload cap of %d", len(ocrPages), limit)
		}

		provName := ocrProvider
		if provName == "" {
			provName = pipeline.DefaultOCRProvider
		}
		ocr, err := svc.Registry.GetOCR(provName)
		if err != nil {
			return fmt.Errorf("resolve OCR provider %q: %w", provName, err)
		}

		jobID, err := svc.Lock.Acquire(cmd.Context(), ocrBookID, model.JobTypeOCRBatch, len(ocrPages))
		if err != nil {
			return fmt.Errorf("acquire job lock: %w", err)
		}
		if err := svc.Lock.Start(cmd.Context(), jobID); err != nil {
			return fmt.Errorf("start job: %w", err)
		}

		rec := metrics.NewRecorder(jobID, ocrBookID)
		opts := []ocrworker.Option{
			ocrworker.WithLogger(svc.Logger),
			ocrworker.WithMetrics(rec),
		}
		if pipeline.MetadataFlushInterval > 0 {
			opts = append(opts, ocrworker.WithFlushInterval(pipeline.MetadataFlushInterval))
		}
		worker := ocrworker.NewWorker(svc.Store, ocr, svc.Lock, opts...)
		if err := worker.Run(cmd.Context(), jobID, ocrBookID, ocrPages); err != nil {
			return fmt.Errorf("run bulk OCR: %w", err)
		}
		logUsage(svc.Logger, rec)

		job, err := svc.Lock.Get(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return Output(job)
	},
}

func init() {
	ocrCmd.Flags().StringVar(&ocrBookID, "book-id", "", "book ID to OCR (required)")
	ocrCmd.Flags().IntSliceVar(&ocrPages, "pages", nil, "page numbers to process (required)")
	ocrCmd.Flags().StringVar(&ocrProvider, "provider", "", "named OCR provider (default: pipeline.default_ocr_provider)")
	_ = ocrCmd.MarkFlagRequired("book-id")
	_ = ocrCmd.MarkFlagRequired("pages")
}
