package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/krau/multitagger/config"
	"github.com/krau/multitagger/engine"
)

var (
	tagModel     string
	tagThreshold float32
	tagJSON      bool
)

var tagCmd = &cobra.Command{
	Use:   "tag FILE...",
	Short: "Tag local image files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTag,
}

func init() {
	tagCmd.Flags().StringVarP(&tagModel, "model", "m", "", "Model to use (default from config)")
	tagCmd.Flags().Float32VarP(&tagThreshold, "threshold", "t", -1, "Minimum confidence (default from config)")
	tagCmd.Flags().BoolVar(&tagJSON, "json", false, "Print results as JSON")
}

type fileResult struct {
	File       string             `json:"file"`
	Ratings    map[string]float32 `json:"ratings,omitempty"`
	Characters map[string]float32 `json:"characters,omitempty"`
	Tags       map[string]float32 `json:"tags,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func runTag(cmd *cobra.Command, files []string) error {
	cfg := config.C()
	name := tagModel
	if name == "" {
		name = cfg.DefaultModel
	}
	threshold := tagThreshold
	if threshold < 0 {
		threshold = cfg.Threshold
	}

	images := make([][]byte, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f, err)
		}
		images[i] = data
	}

	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	eng := newEngine(cfg, reg)
	defer closeEngine(eng)

	results, err := eng.Interrogate(cmd.Context(), name, images, threshold)
	if err != nil {
		return err
	}
	out := make([]fileResult, len(results))
	for i, r := range results {
		out[i] = fileResult{File: files[i], Ratings: r.Ratings, Characters: r.Characters, Tags: r.Tags}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	if tagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printResults(cmd.OutOrStdout(), out)
	return nil
}

func printResults(w io.Writer, results []fileResult) {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, r.File)
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
			continue
		}
		printSection(w, "rating", r.Ratings)
		printSection(w, "character", r.Characters)
		printSection(w, "tags", r.Tags)
	}
}

func printSection(w io.Writer, title string, scores map[string]float32) {
	ranked := engine.Ranked(scores)
	if len(ranked) == 0 {
		return
	}
	parts := make([]string, len(ranked))
	for i, ts := range ranked {
		parts[i] = fmt.Sprintf("%s (%.3f)", ts.Tag, ts.Score)
	}
	fmt.Fprintf(w, "  %s: %s\n", title, strings.Join(parts, ", "))
}
