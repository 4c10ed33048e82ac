package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/id"
	"github.com/dunamismax/darkroom/internal/pipeline"
	"github.com/spf13/cobra"
)

var bakeCmd = &cobra.Command{
	Use:   "bake IN OUT",
	Short: "Bake a recipe into a copy of IN and write it to OUT",
	Args:  cobra.ExactArgs(2),
	RunE:  runBake,
}

func init() {
	addRecipeFlags(bakeCmd)
	addOutputFlags(bakeCmd)
	bakeCmd.Flags().String("crop", "", "Crop rectangle x,y,w,h in rotated-image pixels")
	rootCmd.AddCommand(bakeCmd)
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().Int("quality", pipeline.DefaultQuality, "JPEG quality 1-100")
	cmd.Flags().Int("max-dimension", 0, "Cap the longer output side in pixels (0 keeps the crop size)")
}

func runBake(cmd *cobra.Command, args []string) error {
	rec, err := recipeFromFlags(cmd)
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetString("crop"); raw != "" {
		if rec.Crop, err = ParseCrop(raw); err != nil {
			return err
		}
	}
	applyOutputFlags(cmd, &rec)

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image backend: %w", err)
	}
	defer pipeline.Shutdown()

	res, err := bakeFile(cmd.Context(), args[0], args[1], rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Baked %dx%d %s → %s (%d bytes, %s)\n",
		res.Output.Width, res.Output.Height, res.Output.Format, res.Output.Key, res.Output.Bytes, res.Elapsed.Round(time.Millisecond))
	return nil
}

func applyOutputFlags(cmd *cobra.Command, rec *Recipe) {
	if cmd.Flags().Changed("quality") || rec.Quality == 0 {
		rec.Quality, _ = cmd.Flags().GetInt("quality")
	}
	if cmd.Flags().Changed("max-dimension") {
		rec.MaxDimension, _ = cmd.Flags().GetInt("max-dimension")
	}
	rec.Quality = min(100, max(1, rec.Quality))
	rec.MaxDimension = max(0, rec.MaxDimension)
}

// bakeFile runs one file through the same pipeline the worker uses. The
// output format follows the extension of out.
func bakeFile(ctx context.Context, in, out string, rec Recipe) (pipeline.Result, error) {
	processor, err := pipeline.NewProcessor(
		pipeline.LocalFileFetcher{},
		pipeline.LocalFileEmitter{OutputDir: filepath.Dir(out), FileName: filepath.Base(out)},
	)
	if err != nil {
		return pipeline.Result{}, err
	}

	req := pipeline.NewRequest(id.New(), domain.Session{
		ID:     "cli",
		Source: domain.SourceImage{Type: domain.SourceTypeLocalFile, Path: in},
		Edit:   rec.EditState,
		Geometry: domain.Geometry{
			RotationDeg: rec.Rotate,
			Crop:        rec.Crop,
		},
	})
	req.Format = outputFormat(out)
	req.Quality = rec.Quality
	req.MaxDimension = rec.MaxDimension

	res, err := processor.Process(ctx, req)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("bake %s: %w", in, err)
	}
	return res, nil
}

func outputFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "png"
	}
	return "jpeg"
}
