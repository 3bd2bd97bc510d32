package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/bigkaa/siakad/pddikti-sync/internal/database"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Управление миграциями БД",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Применить все миграции",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return database.Migrate(cfg, logger)
		},
	}

	var (
		steps int
		yes   bool
	)
	down := &cobra.Command{
		Use:   "down",
		Short: "Откатить последние миграции",
		Long: `Откатывает указанное количество миграций.
ВНИМАНИЕ: откат удаляет таблицы вместе с данными.

Пример:
  pddikti-sync migrate down --steps 1 --yes`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("откат миграций требует подтверждения флагом --yes")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return database.MigrateDown(cfg, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Количество откатываемых миграций")
	down.Flags().BoolVar(&yes, "yes", false, "Подтвердить откат")

	cmd.AddCommand(up, down)
	return cmd
}
