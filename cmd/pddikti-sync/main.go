// Точка входа pddikti-sync — сервиса синхронизации академических записей
// с национальным реестром PDDIKTI.
package main

import (
	"os"

	"github.com/bigkaa/siakad/pddikti-sync/cmd/pddikti-sync/app"
)

func main() {
	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
