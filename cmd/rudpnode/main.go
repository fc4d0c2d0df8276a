// Command rudpnode is the CLI entry point.
//
// rudpnode runs a reliable-UDP node: it listens for peers, connects to them
// by NodeID and endpoint, pings them, and can introduce two nodes behind NATs
// through a PIN-protected WebSocket before they connect directly.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/1ureka/rudp/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
