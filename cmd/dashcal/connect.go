package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/guilherme-santos/dashcal/internal/config"
)

var ConnectCommand = _connectCommand{
	Name:        "connect",
	Description: "Begin authorization for a widget and print the consent URL",
}

type _connectCommand struct {
	Name        string
	Description string
}

// Run talks to a running serve host: the callback must land on the
// same process that began the authorization.
func (c _connectCommand) Run(ctx context.Context, cfg *config.Config, verbose bool, args []string) error {
	fs := flag.NewFlagSet(c.Name, flag.ContinueOnError)
	host := fs.String("host", "", "base URL of the serve host (default derived from the listen address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: dashcal connect [-host URL] <widget-id>")
	}
	id := fs.Arg(0)

	base := *host
	if base == "" {
		base = "http://localhost" + cfg.Listen
		if !strings.HasPrefix(cfg.Listen, ":") {
			base = "http://" + cfg.Listen
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/widgets/"+id+"/connect", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reaching serve host at %s: %w (is dashcal serve running?)", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("serve host: %s", errResp.Error)
		}
		return fmt.Errorf("serve host answered %s", resp.Status)
	}

	var body struct {
		AuthURL string `json:"auth_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	w := flag.CommandLine.Output()
	fmt.Fprintln(w, "Open the following URL in your browser to authorize the calendar:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, body.AuthURL)
	return nil
}
