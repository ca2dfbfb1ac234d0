// Command tunnelpeer is the remote end of a tunnelctl session.
//
// It dials the controller, then opens the TCP connections the controller
// asks for and relays their bytes. The connection is retried with backoff
// until interrupted.
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
	"github.com/1ureka/tunnelctl/internal/util"
)

var version = "dev"

func main() {
	hostname, _ := os.Hostname()
	name := flag.String("name", hostname, "Name shown in the controller's session list")

	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		atexit.Exit(2)
	}

	util.SetLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		util.LogToFile(cfg.Log.File, true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("tunnelpeer v%s", version))
	pterm.Println()

	if interval, _ := cfg.Stats(); interval > 0 {
		util.StartStatsReporter(ctx, interval)
	}

	util.LogInfo("connecting to %s as %q", cfg.Peer.URL, *name)
	if err := app.RunPeer(ctx, cfg, *name); err != nil {
		util.LogError("%v", err)
		atexit.Exit(1)
	}
	util.LogInfo("successfully closed peer connection")
	atexit.Exit(0)
}
