// Package main provides the entry point for the Inkwell analysis API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Inkwell manuscript analysis service",
	Long:  "Inkwell runs multi-agent LLM analysis pipelines over manuscripts, producing editorial and market reports with per-call cost accounting.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
