package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/zhijianma/copaw/internal/checkpoint"
	"github.com/zhijianma/copaw/internal/config"
)

// runCheckpoints lists or prunes saved snapshots without starting a chat.
func runCheckpoints(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Checkpoint.Enabled {
		return fmt.Errorf("checkpoints are disabled in the configuration")
	}

	db, err := checkpoint.Open(ctx, cfg.Checkpoint.Driver, cfg.Checkpoint.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := checkpoint.NewStore(ctx, db)
	if err != nil {
		return err
	}

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
		list, err := store.List(ctx, 50)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		if len(list) == 0 {
			fmt.Fprintln(stdout, "No checkpoints.")
			return nil
		}
		for _, cp := range list {
			fmt.Fprintln(stdout, cp.Summary())
		}
		return nil

	case "prune":
		if len(args) != 2 {
			return fmt.Errorf("usage: copaw checkpoints prune <keep>")
		}
		keep, err := strconv.Atoi(args[1])
		if err != nil || keep < 0 {
			return fmt.Errorf("keep must be a non-negative number, got %q", args[1])
		}
		n, err := store.Prune(ctx, keep)
		if err != nil {
			return err
		}
		config.NewLogger(stderr, slog.LevelInfo, cfg.LogFormat).Info("checkpoints pruned", "deleted", n, "kept", keep)
		fmt.Fprintf(stdout, "Deleted %d checkpoint(s).\n", n)
		return nil

	default:
		return fmt.Errorf("unknown checkpoints command: %s", sub)
	}
}
