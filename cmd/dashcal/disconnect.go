package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/guilherme-santos/dashcal"
	"github.com/guilherme-santos/dashcal/internal/auth"
	"github.com/guilherme-santos/dashcal/internal/config"
)

var DisconnectCommand = _disconnectCommand{
	Name:        "disconnect",
	Description: "Revoke and clear a widget's credentials",
}

type _disconnectCommand struct {
	Name        string
	Description string
}

func (s _disconnectCommand) Run(ctx context.Context, cfg *config.Config, verbose bool, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dashcal disconnect <widget-id>")
	}
	id := dashcal.WidgetID(args[0])

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	oauthCfg, err := cfg.OAuth()
	if err != nil {
		return err
	}

	tokens := auth.NewManager(oauthCfg, storage)
	if err := tokens.Disconnect(ctx, id); err != nil {
		return err
	}

	fmt.Fprintf(flag.CommandLine.Output(), "Widget %s disconnected\n", id)
	return nil
}
