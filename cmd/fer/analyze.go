package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/fer-tally/internal/config"
	"github.com/Brownie44l1/fer-tally/internal/emotion"
	"github.com/Brownie44l1/fer-tally/internal/normalize"
	"github.com/Brownie44l1/fer-tally/internal/pipeline"
	"github.com/Brownie44l1/fer-tally/internal/redact"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

type analyzeOptions struct {
	outDir string
	format string
}

func newAnalyzeCmd(g *globals) *cobra.Command {
	opts := analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <file|dir>...",
		Short: "Classify a batch of images and print the tally",
		Long: `Runs one batch over the given images. Directories are searched for
.jpg, .jpeg and .png files. Blurred copies are written to --out when set.`,
		Example: `  fer analyze photos/
  fer analyze a.jpg b.png --out blurred/ --format yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q", opts.format)
			}

			paths, err := collectFiles(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no images found in %s", strings.Join(args, ", "))
			}

			eng, err := newEngine(g.cfg, g.log)
			if err != nil {
				return err
			}
			defer eng.Close()

			bar := progressbar.NewOptions(len(paths),
				progressbar.OptionSetDescription("Classifying"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)

			rep, err := analyzeFiles(cmd.Context(), eng.runner, eng.renderer, g.cfg.Display, paths, opts.outDir, func() {
				_ = bar.Add(1)
			})
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			return writeReport(cmd.OutOrStdout(), opts.format, rep)
		},
	}

	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "Directory for blurred copies of the images")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format: table, json or yaml")

	return cmd
}

// collectFiles expands directories into the images they contain. Explicit
// file arguments are kept whatever their extension.
func collectFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		var found []string
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", arg, err)
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	return paths, nil
}

type fileReport struct {
	Index   int                `json:"index" yaml:"index"`
	Path    string             `json:"path" yaml:"path"`
	Emotion string             `json:"dominant_emotion" yaml:"dominant_emotion"`
	Scores  map[string]float64 `json:"scores,omitempty" yaml:"scores,omitempty"`
	Error   string             `json:"error,omitempty" yaml:"error,omitempty"`
	Output  string             `json:"output,omitempty" yaml:"output,omitempty"`
}

type report struct {
	Files   []fileReport         `json:"files" yaml:"files"`
	Tally   map[string]int       `json:"tally" yaml:"tally"`
	Entries []emotion.TallyEntry `json:"entries" yaml:"entries"`
}

func analyzeFiles(ctx context.Context, runner *pipeline.Runner, renderer *redact.Renderer, display config.DisplayConfig, paths []string, outDir string, progress func()) (*report, error) {
	uploads := make([]normalize.Upload, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		uploads[i] = normalize.Upload{Filename: filepath.Base(path), Data: data}
	}

	if outDir != "" {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	batch := runner.RunWithProgress(ctx, uploads, progress)
	defer batch.Close()

	counts := batch.Tally()
	rep := &report{
		Files:   make([]fileReport, batch.Len()),
		Tally:   counts,
		Entries: emotion.Entries(counts),
	}

	for i, path := range paths {
		res := batch.Results[i]
		fr := fileReport{Index: i, Path: path, Emotion: res.Dominant, Scores: res.Scores}
		if batch.Errors[i] != nil {
			fr.Error = batch.Errors[i].Error()
		}

		if outDir != "" && batch.Images[i] != nil {
			data, err := renderer.Render(batch.Images[i], display.Format, display.Quality)
			if err != nil {
				return nil, err
			}
			out := filepath.Join(outDir, outputName(i, path, display.Format))
			if err := os.WriteFile(out, data, 0644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", out, err)
			}
			fr.Output = out
		}
		rep.Files[i] = fr
	}

	return rep, nil
}

// outputName prefixes the index so that duplicate base names across
// directories do not overwrite each other.
func outputName(index int, path, format string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ext := format
	if format == "jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("%03d_%s_blurred.%s", index, base, ext)
}

func writeReport(w io.Writer, format string, rep *report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFILE\tEMOTION\tNOTE")
	for _, f := range rep.Files {
		note := f.Output
		if f.Error != "" {
			note = f.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.Index, f.Path, f.Emotion, note)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "EMOTION\tCOUNT")
	for _, e := range rep.Entries {
		fmt.Fprintf(tw, "%s\t%d\n", e.Label, e.Count)
	}
	return tw.Flush()
}
