package app

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigkaa/siakad/pddikti-sync/internal/service"
)

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Показать состояние синхронизации по типам сущностей",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closeDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			statuses, err := c.status.LatestStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("получение статуса: %w", err)
			}
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			return printStatuses(cmd.OutOrStdout(), statuses)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Формат вывода (json)")
	return cmd
}

func printStatuses(w io.Writer, statuses []service.EntitySyncStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ТИП\tСТАТУС\tОПЕРАЦИЯ\tНАЧАТ\tОБРАБОТАНО\tОШИБОК")
	for _, st := range statuses {
		status := string(st.Status)
		if st.Stale {
			status += " (брошен)"
		}
		if st.Latest == nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\n", st.EntityType, status)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			st.EntityType, status, st.Latest.Operation,
			st.Latest.StartedAt.UTC().Format(time.RFC3339),
			st.Latest.ProcessedItems, st.Latest.FailedItems)
	}
	return tw.Flush()
}
