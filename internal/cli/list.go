package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/store"
)

var (
	listHome  string
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Long: `List shows recent runs from the run index at <home>/runs.db,
newest first.

Example:
  orch list --limit 50`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listHome, "home", "", "orchestrator home directory (default from config)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs to show")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg := activeConfig()
	home := cfg.Home
	if listHome != "" {
		home = listHome
	}

	s, err := store.Open(runfs.IndexPath(home))
	if err != nil {
		return fmt.Errorf("opening run index: %w", err)
	}
	defer s.Close()

	runs, err := s.Recent(listLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tSTATUS\tCREATED\tGOAL")
	for _, r := range runs {
		created := r.CreatedAt
		if created == "" {
			created = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RunID, r.Status, created, r.Goal)
	}
	return w.Flush()
}
