// Command tunnelctl is the tunnel controller.
//
// Peers connect over WebSocket (optionally moving onto a WebRTC DataChannel)
// and each becomes a session. The console on stdin opens port forwards,
// SOCKS5 proxies and HTTP fetches that travel through a session's peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/tebeka/atexit"

	"github.com/1ureka/tunnelctl/internal/app"
	"github.com/1ureka/tunnelctl/internal/config"
	"github.com/1ureka/tunnelctl/internal/console"
	"github.com/1ureka/tunnelctl/internal/util"
)

var version = "dev"

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		atexit.Exit(2)
	}
	if cfg.Agent.Version == "dev" {
		cfg.Agent.Version = version
	}

	util.SetLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		util.LogToFile(cfg.Log.File, false)
	}

	// Cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Token == "" {
		cfg.Token = app.GenerateToken(12)
	}

	ctl, err := app.NewController(cfg)
	if err != nil {
		util.LogError("%v", err)
		atexit.Exit(2)
	}
	addr, err := ctl.Start(ctx)
	if err != nil {
		util.LogError("%v", err)
		atexit.Exit(1)
	}
	atexit.Register(ctl.Close)

	pterm.Info.Println(fmt.Sprintf("tunnelctl v%s", version))
	pterm.Println()
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Listening", fmt.Sprintf("ws://%s", addr)},
		{"Token", cfg.Token},
		{"Peer", fmt.Sprintf("tunnelpeer -url ws://%s -token %s", addr, cfg.Token)},
	}).Render()
	pterm.Println()

	if interval, _ := cfg.Stats(); interval > 0 {
		util.StartStatsReporter(ctx, interval)
	}

	err = console.New(ctl.Registry(), os.Stdout).Run(ctx, os.Stdin)
	if err != nil && ctx.Err() == nil {
		util.LogError("console: %v", err)
		atexit.Exit(1)
	}

	util.LogInfo("shutting down")
	atexit.Exit(0)
}
