package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/guilherme-santos/dashcal/internal/config"
	"github.com/guilherme-santos/dashcal/internal/logger"
)

type command interface {
	Run(ctx context.Context, cfg *config.Config, verbose bool, args []string) error
}

var commands = map[string]command{
	ServeCommand.Name:      ServeCommand,
	ConnectCommand.Name:    ConnectCommand,
	StatusCommand.Name:     StatusCommand,
	DisconnectCommand.Name: DisconnectCommand,
}

func main() {
	var (
		configPath string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "configuration file (default: "+config.DefaultPath()+")")
	flag.BoolVar(&verbose, "verbose", false, "verbose output")
	flag.Usage = usage
	flag.Parse()

	logger.Init(verbose)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	if err := cmd.Run(ctx, cfg, verbose, args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "Usage: %s [options] <command> [command options]\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-12s %s\n", ServeCommand.Name, ServeCommand.Description)
	fmt.Fprintf(w, "  %-12s %s\n", ConnectCommand.Name, ConnectCommand.Description)
	fmt.Fprintf(w, "  %-12s %s\n", StatusCommand.Name, StatusCommand.Description)
	fmt.Fprintf(w, "  %-12s %s\n", DisconnectCommand.Name, DisconnectCommand.Description)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	flag.PrintDefaults()
}
