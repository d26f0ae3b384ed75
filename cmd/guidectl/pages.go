package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/owlpress/guideline-pipeline/internal/ocrworker"
)

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Operate on individual book pages outside a bulk job",
}

var (
	retryBookID   string
	retryPageNum  int
	retryProvider string
)

var pagesRetryOCRCmd = &cobra.Command{
	Use:   "retry-ocr",
	Short: "Re-run OCR for a single page, outside the job lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.DB.Close()

		provName := retryProvider
		if provName == "" {
			provName = svc.Config.Get().Pipeline.DefaultOCRProvider
		}
		ocr, err := svc.Registry.GetOCR(provName)
		if err != nil {
			return fmt.Errorf("resolve OCR provider %q: %w", provName, err)
		}

		worker := ocrworker.NewWorker(svc.Store, ocr, svc.Lock, ocrworker.WithLogger(svc.Logger))
		if err := worker.RetryPage(cmd.Context(), retryBookID, retryPageNum); err != nil {
			return fmt.Errorf("retry page: %w", err)
		}
		return Output(map[string]any{"book_id": retryBookID, "page_num": retryPageNum, "status": "ok"})
	},
}

func init() {
	pagesRetryOCRCmd.Flags().StringVar(&retryBookID, "book-id", "", "book ID (required)")
	pagesRetryOCRCmd.Flags().IntVar(&retryPageNum, "page", 0, "page number to retry (required)")
	pagesRetryOCRCmd.Flags().StringVar(&retryProvider, "provider", "", "named OCR provider (default: pipeline.default_ocr_provider)")
	_ = pagesRetryOCRCmd.MarkFlagRequired("book-id")
	_ = pagesRetryOCRCmd.MarkFlagRequired("page")

	pagesCmd.AddCommand(pagesRetryOCRCmd)
}
