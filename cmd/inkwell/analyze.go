package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkwell-press/inkwell/internal/dispatch"
	"github.com/inkwell-press/inkwell/internal/llm"
	"github.com/inkwell-press/inkwell/internal/pipeline"
	"github.com/inkwell-press/inkwell/internal/prompts"
	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/store/memstore"
	"github.com/inkwell-press/inkwell/internal/types"

	"github.com/google/uuid"
)

var (
	analyzeTitle    string
	analyzeGenre    string
	analyzePipeline string
	analyzeProvider string
	analyzeOut      string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <manuscript.txt>",
	Short: "Run an analysis pipeline locally against a manuscript file",
	Long: `Run a full analysis pipeline against a local manuscript file without a
database or HTTP server. Results are printed as a summary table and the agent
payloads are written to the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTitle, "title", "", "Manuscript title (defaults to the file name)")
	analyzeCmd.Flags().StringVar(&analyzeGenre, "genre", "fiction", "Manuscript genre")
	analyzeCmd.Flags().StringVar(&analyzePipeline, "pipeline", "", "Pipeline spec ID (defaults to full_analysis)")
	analyzeCmd.Flags().StringVar(&analyzeProvider, "provider", "gemini", "LLM provider (gemini or openai)")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "analysis", "Directory for agent payload files")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	path := args[0]
	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manuscript: %w", err)
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if analyzeProvider == "openai" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("no API key in environment for provider %q", analyzeProvider)
	}

	title := analyzeTitle
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	provider, err := llm.NewProviderClient(ctx, analyzeProvider, apiKey, "")
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}
	defer provider.Close()

	library, err := prompts.NewLibrary()
	if err != nil {
		return fmt.Errorf("failed to load prompt library: %w", err)
	}

	ms := memstore.New()
	man := &types.Manuscript{
		OwnerID:   uuid.New(),
		Title:     title,
		Genre:     analyzeGenre,
		WordCount: len(strings.Fields(string(text))),
	}
	if err := ms.CreateManuscript(ctx, man); err != nil {
		return err
	}
	if err := ms.PutBlob(ctx, store.SourceKey(man.ID), text); err != nil {
		return err
	}

	gateway := llm.NewGateway(provider, ms)
	orch := pipeline.NewOrchestrator(ms, ms, ms, ms, library, gateway)
	disp := dispatch.NewDispatcher(ms, ms, orch, 1)

	fmt.Printf("Analyzing %q (%d words)...\n", title, man.WordCount)
	reportID, err := disp.Admit(ctx, dispatch.AdmitRequest{
		OwnerID:        man.OwnerID,
		ManuscriptID:   man.ID,
		PipelineSpecID: analyzePipeline,
	})
	if err != nil {
		return err
	}
	disp.Wait()

	report, err := ms.GetReport(ctx, reportID)
	if err != nil {
		return err
	}

	fmt.Printf("\nReport %s: %s ($%.4f)\n", report.ID, report.Status, report.TotalCostUSD)
	for _, kind := range types.AllAgentKinds() {
		res, ok := report.Results[kind]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-20s %s", kind, res.Status)
		if res.Error != nil {
			line += "  (" + res.Error.Reason + ")"
		}
		fmt.Println(line)

		if res.Status == types.ResultSkipped || res.PayloadRef == "" {
			continue
		}
		payload, err := ms.GetBlob(ctx, res.PayloadRef)
		if err != nil || payload == nil {
			continue
		}
		if err := os.MkdirAll(analyzeOut, 0755); err != nil {
			return err
		}
		out := filepath.Join(analyzeOut, string(kind)+".json")
		if err := os.WriteFile(out, payload, 0644); err != nil {
			return err
		}
	}

	for _, re := range report.Errors {
		fmt.Printf("  error: %s: %s\n", re.Agent, re.Message)
	}
	fmt.Printf("\nPayloads written to %s/\n", analyzeOut)
	return nil
}
