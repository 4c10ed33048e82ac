package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dunamismax/darkroom/internal/config"
	"github.com/dunamismax/darkroom/internal/gallery"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Upload images to the gallery in small concurrent batches",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpload,
}

func init() {
	cfg := config.Load().Gallery
	uploadCmd.Flags().String("gallery-url", cfg.BaseURL, "Gallery base URL")
	uploadCmd.Flags().StringP("username", "u", "", "Gallery user; password is read from GALLERY_PASSWORD")
	uploadCmd.Flags().String("token", cfg.Token, "Gallery token, used when --username is empty")
	uploadCmd.Flags().Int64("user-id", cfg.UserID, "Gallery user id for --token")
	uploadCmd.Flags().Int("width", gallery.DefaultBatchWidth, "Concurrent uploads per batch")
	uploadCmd.Flags().Duration("pause", 500*time.Millisecond, "Pause between batches")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	defer func() { _ = logger.Sync() }()

	baseURL, _ := cmd.Flags().GetString("gallery-url")
	client, err := gallery.NewClient(gallery.Config{BaseURL: baseURL, Logger: logger})
	if err != nil {
		return err
	}

	sess, err := gallerySession(cmd, client)
	if err != nil {
		return err
	}

	width, _ := cmd.Flags().GetInt("width")
	pause, _ := cmd.Flags().GetDuration("pause")
	task := client.UploadBatch(cmd.Context(), sess, args, gallery.BatchOptions{Width: width, Pause: pause})
	results, err := task.Wait()

	out := cmd.OutOrStdout()
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(out, "skip %s: %v\n", r.Path, r.Err)
		case r.Err != nil:
			fmt.Fprintf(out, "FAIL %s: %v\n", r.Path, r.Err)
		default:
			fmt.Fprintf(out, "ok   %s → image %d\n", r.Path, r.Image.ID)
		}
	}
	ok := gallery.Succeeded(results)
	fmt.Fprintf(out, "Uploaded %d of %d files\n", ok, len(args))
	if err != nil {
		return err
	}
	if ok < len(args) {
		return fmt.Errorf("%d uploads did not succeed", len(args)-ok)
	}
	return nil
}

func gallerySession(cmd *cobra.Command, client *gallery.Client) (gallery.Session, error) {
	if username, _ := cmd.Flags().GetString("username"); username != "" {
		return client.Login(cmd.Context(), username, os.Getenv("GALLERY_PASSWORD"))
	}
	token, _ := cmd.Flags().GetString("token")
	userID, _ := cmd.Flags().GetInt64("user-id")
	sess := gallery.Session{Token: token, UserID: userID}
	if !sess.Valid() {
		return gallery.Session{}, errors.New("gallery credentials required: --username or --token with --user-id")
	}
	return sess, nil
}
