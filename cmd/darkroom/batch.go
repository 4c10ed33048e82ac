package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/dunamismax/darkroom/internal/pipeline"
	"github.com/karrick/godirwalk"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var batchCmd = &cobra.Command{
	Use:   "batch DIR OUTDIR",
	Short: "Bake every JPEG and PNG below DIR with one recipe",
	Args:  cobra.ExactArgs(2),
	RunE:  runBatch,
}

func init() {
	addRecipeFlags(batchCmd)
	addOutputFlags(batchCmd)
	batchCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "Files baked concurrently")
	rootCmd.AddCommand(batchCmd)
}

func isBakeable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// findImages returns the bakeable files below root, skipping dot entries.
func findImages(root string) ([]string, error) {
	var paths []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path != root && strings.HasPrefix(filepath.Base(path), ".") {
				return godirwalk.SkipThis
			}
			if de.IsRegular() && isBakeable(path) {
				paths = append(paths, path)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return paths, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	root, outDir := args[0], args[1]
	logger := newLogger(cmd)
	defer func() { _ = logger.Sync() }()

	rec, err := recipeFromFlags(cmd)
	if err != nil {
		return err
	}
	applyOutputFlags(cmd, &rec)

	paths, err := findImages(root)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No images found below %s\n", root)
		return nil
	}

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image backend: %w", err)
	}
	defer pipeline.Shutdown()

	jobs, _ := cmd.Flags().GetInt("jobs")
	n, err := bakeAll(cmd.Context(), root, outDir, paths, jobs, func(ctx context.Context, rel, in, out string) error {
		res, err := bakeFile(ctx, in, out, rec)
		if err != nil {
			logger.Warn("bake failed", zap.String("path", in), zap.Error(err))
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", rel, err)
			return err
		}
		logger.Debug("baked", zap.String("path", in), zap.Duration("elapsed", res.Elapsed))
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%dx%d)\n", rel, res.Output.Width, res.Output.Height)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Baked %d of %d images into %s\n", int64(len(paths))-n, len(paths), outDir)
	if n > 0 {
		return fmt.Errorf("%d images failed", n)
	}
	return nil
}

// bakeAll runs bake for every path with at most jobs in flight, mirroring the
// tree below root into outDir. A failed bake is counted, not fatal. It always
// waits for started bakes before returning.
func bakeAll(ctx context.Context, root, outDir string, paths []string, jobs int, bake func(ctx context.Context, rel, in, out string) error) (int64, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, jobs))

	var (
		failed      atomic.Int64
		dispatchErr error
	)
	for _, in := range paths {
		rel, err := filepath.Rel(root, in)
		if err != nil {
			dispatchErr = fmt.Errorf("output path for %s: %w", in, err)
			break
		}
		out := filepath.Join(outDir, rel)
		g.Go(func() error {
			if err := bake(ctx, rel, in, out); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed.Load(), err
	}
	return failed.Load(), dispatchErr
}
