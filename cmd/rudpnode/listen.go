package main

import (
	"bufio"
	"context"
	"errors"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/app"
	"github.com/1ureka/rudp/internal/connmgr"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

var (
	echoMessages bool
	permanent    bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept connections and print the messages peers send",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var node *app.Node
		node, err := openNode(ctx, connmgr.Callbacks{
			OnMessage: func(peer protocol.NodeID, msg []byte) {
				util.LogInfo("%s: %s", peer, msg)
				if echoMessages {
					node.Manager().Send(peer, msg, nil)
				}
			},
			OnConnectionAdded: func(peer protocol.NodeID, endpoint netip.AddrPort, temporary bool) {
				if permanent && temporary {
					node.Manager().MakeConnectionPermanent(peer, true)
				}
			},
			OnConnectionLost: logLost,
		})
		if err != nil {
			return err
		}
		defer node.Close()

		printNode(node)
		util.LogInfo("waiting for peers, press Ctrl+C to stop")
		return node.Run(ctx)
	},
}

func init() {
	listenCmd.Flags().BoolVar(&echoMessages, "echo", false, "send every received message back to its sender")
	listenCmd.Flags().BoolVar(&permanent, "permanent", false, "keep accepted connections beyond the bootstrap lifespan")
	rootCmd.AddCommand(listenCmd)
}

func logLost(peer protocol.NodeID, err error, temporary bool) {
	if err != nil {
		util.LogWarning("connection to %s lost: %v", peer, err)
		return
	}
	util.LogInfo("connection to %s closed", peer)
}

// chat sends every stdin line to peer until ctx is done or stdin ends.
func chat(ctx context.Context, node *app.Node, peer protocol.NodeID) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := node.Send(sctx, peer, []byte(line))
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
