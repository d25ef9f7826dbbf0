package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/attest/internal/controlplane"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
	"github.com/fentz26/attest/internal/safeguard"
	"github.com/fentz26/attest/internal/store"
)

var replayJSON bool

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild task state from the audit log without a daemon",
	Long: `Reads every event in the audit log and prints the task tree and session
state they produce. The daemon does not need to be running.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the rebuilt state as JSON")
}

type replayResult struct {
	Session controlplane.SessionStatus `json:"session"`
	Tasks   []models.Task              `json:"tasks"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.DB); err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	s, err := store.New(cfg.DB)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	logger := newLogger("warn")
	reg, err := registry.Replay(ctx, s, safeguard.New(cfg.Safeguards), registry.Options{Logger: logger})
	if err != nil {
		return err
	}
	session, err := controlplane.RestoreSession(ctx, s, nil, logger)
	if err != nil {
		return err
	}

	res := replayResult{Session: session.Status(), Tasks: reg.List(registry.ListFilter{})}
	if replayJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	printSession(res.Session)
	fmt.Println()
	if len(res.Tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	printTasks(res.Tasks)
	return nil
}
