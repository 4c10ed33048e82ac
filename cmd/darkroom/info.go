package main

import (
	"encoding/json"

	"github.com/dunamismax/darkroom/internal/exif"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info FILE...",
	Short: "Print the source descriptor and camera metadata of images",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	defer func() { _ = logger.Sync() }()

	reader, err := exif.NewReader(logger)
	if err != nil {
		return err
	}
	defer reader.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, path := range args {
		src, err := reader.Read(path)
		if err != nil {
			return err
		}
		if err := enc.Encode(src); err != nil {
			return err
		}
	}
	return nil
}
