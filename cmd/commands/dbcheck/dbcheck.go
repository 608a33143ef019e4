package dbcheck

import (
	"context"
	"fmt"

	"nodewarden/internal/config"
	"nodewarden/internal/inventory"

	"github.com/spf13/cobra"
)

// NewCommand returns a cobra.Command that verifies the inventory database.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dbcheck",
		Short: "Verify the inventory database",
		Long: `Open the inventory database, apply any pending migrations, and
report what it holds. Useful after restoring a backup or before an
upgrade.

Examples:
  nodewarden dbcheck
  nodewarden dbcheck --config /etc/nodewarden/config.json`,
		RunE:         runDBCheck,
		SilenceUsage: true,
	}

	cmd.Flags().String("config", "", "Path to config file (overrides default)")

	return cmd
}

func runDBCheck(cmd *cobra.Command, args []string) error {
	if path := cmd.Flag("config").Value.String(); path != "" {
		config.SetPath(path)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo, err := inventory.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open inventory database: %w", err)
	}
	defer repo.Close()

	ctx := context.Background()

	nodes, err := repo.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "database: %s\n", cfg.DatabasePath)
	fmt.Fprintf(out, "nodes: %d\n", len(nodes))

	var totalAllocs, freeAllocs int
	for _, node := range nodes {
		allocs, err := repo.ListAllocations(ctx, node.ID)
		if err != nil {
			return fmt.Errorf("failed to list allocations for node %s: %w", node.ID, err)
		}
		free := 0
		for _, a := range allocs {
			if a.Free() {
				free++
			}
		}
		totalAllocs += len(allocs)
		freeAllocs += free
		fmt.Fprintf(out, "  %s (%s): %d allocations, %d free, memory %d/%d MiB, disk %d/%d MiB\n",
			node.Name, node.ID, len(allocs), free,
			node.MemoryAllocated, node.MemoryTotal,
			node.DiskAllocated, node.DiskTotal)
	}
	fmt.Fprintf(out, "allocations: %d (%d free)\n", totalAllocs, freeAllocs)

	return nil
}
