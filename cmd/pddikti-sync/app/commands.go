// Пакет app — команды CLI pddikti-sync.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigkaa/siakad/pddikti-sync/internal/config"
)

// NewRootCmd создаёт корневую команду со всеми подкомандами.
// Конфигурация читается из переменных окружения PS_*.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pddikti-sync",
		Short:         "Синхронизация академических записей с реестром PDDIKTI",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRunCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute запускает CLI. SIGINT и SIGTERM отменяют контекст команды:
// прерванный запуск синхронизации успевает записать в журнал статус failed.
func Execute() error {
	return execute(NewRootCmd())
}

func execute(root *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:   config.Version,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, err := fmt.Fprintf(out, "pddikti-sync %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Формат вывода (json)")
	return cmd
}
