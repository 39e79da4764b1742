// Command faultctl is the operator CLI for the railway fault store.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"railwatch/internal/config"
	"railwatch/internal/logger"
	"railwatch/internal/repository/sqlite"
	"railwatch/internal/service/dataset"
	"railwatch/internal/service/review"
)

// env holds what every subcommand opens.
type env struct {
	cfg     *config.Config
	logger  *logger.Logger
	db      *sqlite.DB
	reviews *review.Service
	data    *dataset.Store
}

func (e *env) open() error {
	db, err := sqlite.New(e.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	data, err := dataset.New(e.cfg.DatasetDirectory, e.logger)
	if err != nil {
		db.Close()
		return err
	}
	e.db = db
	e.data = data
	e.reviews = review.NewService(sqlite.NewFaultRepository(db), sqlite.NewTaskRepository(db), e.cfg.MediaDirectory, e.logger)
	return nil
}

func (e *env) close() {
	if e.db != nil {
		e.db.Close()
	}
}

func rootCommand() *cobra.Command {
	e := &env{cfg: config.Load(), logger: logger.NewWithWriter(os.Stderr)}

	root := &cobra.Command{
		Use:           "faultctl",
		Short:         "Railway fault store maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.cfg.DatabasePath, "db", e.cfg.DatabasePath, "SQLite database path")
	flags.StringVar(&e.cfg.MediaDirectory, "media", e.cfg.MediaDirectory, "fault image directory")
	flags.StringVar(&e.cfg.DatasetDirectory, "dataset", e.cfg.DatasetDirectory, "training dataset root")

	root.AddCommand(importCommand(e), syncDatasetCommand(e), statsCommand(e))
	return root
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
