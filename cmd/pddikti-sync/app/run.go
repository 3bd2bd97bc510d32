package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/service"
)

// triggeredByCLI — инициатор запусков из командной строки.
const triggeredByCLI = "cli"

func newRunCmd() *cobra.Command {
	var operation string

	cmd := &cobra.Command{
		Use:   "run [entity]",
		Short: "Выполнить синхронизацию и выйти",
		Long: `Выполняет один запуск синхронизации для типа сущности
(students, lecturers, courses, study_programs).
Без аргумента выполняется pull всех типов: сначала программы обучения,
затем остальные параллельно.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if len(args) == 0 {
				if operation != "" && operation != string(model.OperationPull) {
					return fmt.Errorf("без указания типа сущности поддерживается только pull")
				}
				scheduler := service.NewSyncScheduler(c.sync, c.status, 0, c.logger)
				return scheduler.RunOnce(cmd.Context(), triggeredByCLI)
			}

			entity, err := model.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			op, err := model.ParseOperation(operation)
			if err != nil {
				return err
			}

			entry, err := c.sync.RunSync(cmd.Context(), entity, op, triggeredByCLI)
			if entry != nil {
				printEntry(cmd.OutOrStdout(), entry)
			}
			if err != nil {
				c.logger.Error("Запуск синхронизации не выполнен", slog.String("error", err.Error()))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&operation, "operation", "o", "", "Операция: pull (по умолчанию), push, validate")
	return cmd
}

// printEntry выводит итог запуска в человекочитаемом виде.
func printEntry(w io.Writer, e *model.SyncLogEntry) {
	fmt.Fprintf(w, "%s %s: %s (обработано %d, успешно %d, ошибок %d) id=%s\n",
		e.EntityType, e.Operation, e.Status,
		e.ProcessedItems, e.SuccessfulItems, e.FailedItems, e.ID)
	for _, se := range e.Errors {
		fmt.Fprintf(w, "  %s: %s\n", se.ExternalID, se.Message)
	}
}
