package main

import (
	"encoding/json"
	"fmt"

	"github.com/dunamismax/darkroom/internal/editor"
	"github.com/spf13/cobra"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Print the preview filter a recipe derives",
	Args:  cobra.NoArgs,
	RunE:  runFilter,
}

func init() {
	addRecipeFlags(filterCmd)
	filterCmd.Flags().Bool("css", false, "Print only the CSS filter string")
	rootCmd.AddCommand(filterCmd)
}

func runFilter(cmd *cobra.Command, _ []string) error {
	rec, err := recipeFromFlags(cmd)
	if err != nil {
		return err
	}
	f := editor.Derive(rec.EditState)

	if cssOnly, _ := cmd.Flags().GetBool("css"); cssOnly {
		fmt.Fprintln(cmd.OutOrStdout(), f.CSS())
		return nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		editor.Filter
		CSS      string `json:"css"`
		Identity bool   `json:"identity"`
	}{f, f.CSS(), f.Identity()})
}
