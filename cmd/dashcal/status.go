package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/guilherme-santos/dashcal/internal/config"
)

var StatusCommand = _statusCommand{
	Name:        "status",
	Description: "List widgets and their connection state",
}

type _statusCommand struct {
	Name        string
	Description string
}

func (s _statusCommand) Run(ctx context.Context, cfg *config.Config, verbose bool, args []string) error {
	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	ids, err := storage.Widgets(ctx)
	if err != nil {
		return fmt.Errorf("listing widgets: %w", err)
	}

	w := flag.CommandLine.Output()
	if len(ids) == 0 {
		fmt.Fprintln(w, "No widgets configured")
		return nil
	}

	for _, id := range ids {
		ts, err := storage.TokenSet(ctx, id)
		if err != nil {
			return err
		}
		srcs, err := storage.Sources(ctx, id)
		if err != nil {
			return err
		}

		state := "disconnected"
		if ts != nil {
			state = fmt.Sprintf("connected (token expires %s)", ts.ExpiresAt.Format(time.RFC3339))
		}

		selected := 0
		for _, src := range srcs {
			if src.Selected {
				selected++
			}
		}
		fmt.Fprintf(w, "%s: %s, %d/%d calendars selected\n", id, state, selected, len(srcs))
	}
	return nil
}
