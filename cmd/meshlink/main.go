// meshlink runs a mesh node: it asks its entry points how the world sees
// it, listens for peers and keeps exactly one connection per peer.
//
// Settings come from an optional YAML file (--config) overridden by flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/util"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		util.NewLogger("main").Error("%v", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("meshlink", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("meshlink v%s", version))
	pterm.Println()

	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg)
	if err != nil {
		return err
	}
	pterm.Success.Println(fmt.Sprintf("node %s is up", n.connector.Local()))

	<-ctx.Done()
	n.log.Info("shutting down")
	return n.close()
}
