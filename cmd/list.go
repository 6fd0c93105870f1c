package cmd

import (
	"fmt"
	"sort"

	"vwbackup/internal/backup"

	"github.com/spf13/cobra"
)

// List command flags
var (
	listCategory string
	listFormat   string
	listLimit    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backup sets on disk",
	Long: `List the backup sets under the backup root, newest first, with their
artifacts, sizes and verification state. Sets still being produced live in
the staging area and never show up here.

Examples:
  # Everything on disk
  vwbackup list

  # The ten newest database sets
  vwbackup list --category database --limit 10

  # Machine-readable output
  vwbackup list --format json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listCategory, "category", "", "limit to one category (database, full)")
	listCmd.Flags().StringVar(&listFormat, "format", "table", "output format (table, json)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "show only the newest N sets (0 shows all)")
}

func runList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return fmt.Errorf("unknown output format: %q (expected table or json)", listFormat)
	}

	eng, err := newEngine()
	if err != nil {
		return err
	}

	categories := backup.Categories
	if listCategory != "" {
		category, err := backup.ParseCategory(listCategory)
		if err != nil {
			return err
		}
		categories = []backup.Category{category}
	}

	var sets []*backup.BackupSet
	for _, category := range categories {
		found, err := eng.store.ListSets(category)
		if err != nil {
			return err
		}
		sets = append(sets, found...)
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CreatedAt.After(sets[j].CreatedAt)
	})
	if listLimit > 0 && len(sets) > listLimit {
		sets = sets[:listLimit]
	}

	return eng.renderer.Sets(sets, listFormat)
}
