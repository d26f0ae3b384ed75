package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/orchestrator"
	"github.com/owlpress/guideline-pipeline/internal/svcctx"
)

var (
	extractBookID    string
	extractPages     []int
	extractStartPage int
	extractEndPage   int
	extractResume    bool
	extractProvider  string
	extractGrade     string
	extractSubject   string
	extractBoard     string
	extractCountry   string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run the extraction orchestrator over a book's OCR'd pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.DB.Close()

		pages, err := resolveExtractPages(cmd, svc)
		if err != nil {
			return err
		}

		provName := extractProvider
		if provName == "" {
			provName = svc.Config.Get().Pipeline.DefaultLLMProvider
		}
		llm, err := svc.Registry.GetLLM(provName)
		if err != nil {
			return fmt.Errorf("resolve LLM provider %q: %w", provName, err)
		}

		book := model.Book{
			BookID:  extractBookID,
			Grade:   extractGrade,
			Subject: extractSubject,
			Board:   extractBoard,
			Country: extractCountry,
		}

		jobID, err := svc.Lock.Acquire(cmd.Context(), extractBookID, model.JobTypeExtraction, len(pages))
		if err != nil {
			return fmt.Errorf("acquire job lock: %w", err)
		}
		if err := svc.Lock.Start(cmd.Context(), jobID); err != nil {
			return fmt.Errorf("start job: %w", err)
		}

		rec := metrics.NewRecorder(jobID, extractBookID)
		orch := orchestrator.New(svc.Store, svc.Lock, llm,
			orchestrator.WithStabilityThreshold(svc.Config.Get().Pipeline.StabilityThreshold),
			orchestrator.WithLogger(svc.Logger),
			orchestrator.WithMetrics(rec),
		)
		if err := orch.Run(cmd.Context(), jobID, extractBookID, book, pages); err != nil {
			return fmt.Errorf("run extraction: %w", err)
		}
		logUsage(svc.Logger, rec)

		job, err := svc.Lock.Get(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return Output(job)
	},
}

// resolveExtractPages turns the --pages / --start-page / --end-page /
// --resume flag combinations into a concrete page list: an explicit
// --pages list is returned in the order given, a range ascends. With
// --resume, the start page is the last completed item of the book's most
// recent extraction job plus one; an explicit --start-page overrides that.
func resolveExtractPages(cmd *cobra.Command, svc *svcctx.Services) ([]int, error) {
	if len(extractPages) > 0 {
		if extractResume || extractStartPage > 0 || extractEndPage > 0 {
			return nil, fmt.Errorf("--pages cannot be combined with --start-page, --end-page, or --resume")
		}
		return extractPages, nil
	}
	if extractEndPage < 1 {
		return nil, fmt.Errorf("either --pages or --end-page is required")
	}

	start := extractStartPage
	if extractResume && start < 1 {
		prev, err := svc.Lock.GetLatest(cmd.Context(), extractBookID, model.JobTypeExtraction)
		if err != nil {
			return nil, fmt.Errorf("look up previous extraction job: %w", err)
		}
		if prev != nil {
			start = prev.LastCompletedItem + 1
		}
	}
	if start < 1 {
		start = 1
	}
	if extractEndPage < start {
		return nil, fmt.Errorf("end page %d is before start page %d", extractEndPage, start)
	}

	pages := make([]int, 0, extractEndPage-start+1)
	for p := start; p <= extractEndPage; p++ {
		pages = append(pages, p)
	}
	return pages, nil
}

func init() {
	extractCmd.Flags().StringVar(&extractBookID, "book-id", "", "book ID to extract (required)")
	extractCmd.Flags().IntSliceVar(&extractPages, "pages", nil, "explicit page numbers to process, in order")
	extractCmd.Flags().IntVar(&extractStartPage, "start-page", 0, "first page of the range to process (default 1, or last completed + 1 with --resume)")
	extractCmd.Flags().IntVar(&extractEndPage, "end-page", 0, "last page of the range to process")
	extractCmd.Flags().BoolVar(&extractResume, "resume", false, "resume from the previous extraction job's last completed page")
	extractCmd.Flags().StringVar(&extractProvider, "provider", "", "named LLM provider (default: pipeline.default_llm_provider)")
	extractCmd.Flags().StringVar(&extractGrade, "grade", "", "book grade, used to condition prompts")
	extractCmd.Flags().StringVar(&extractSubject, "subject", "", "book subject, used to condition prompts")
	extractCmd.Flags().StringVar(&extractBoard, "board", "", "book board, used to condition prompts")
	extractCmd.Flags().StringVar(&extractCountry, "country", "", "book country, used to condition prompts")
	_ = extractCmd.MarkFlagRequired("book-id")
}
