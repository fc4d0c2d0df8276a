package main

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/connmgr"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

var (
	validationMsg string
	sendMessages  []string
	interactive   bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <node-id> <endpoint>",
	Short: "Connect to a peer and send messages to it",
	Long: `Connect to the node with the given hex NodeID at endpoint (ip:port).
Messages given with --send are sent in order; with --interactive every stdin
line is sent as a message until Ctrl+C.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		peer, endpoint, err := parsePeer(args[0], args[1])
		if err != nil {
			return err
		}

		node, err := openNode(ctx, connmgr.Callbacks{
			OnMessage: func(from protocol.NodeID, msg []byte) {
				util.LogInfo("%s: %s", from, msg)
			},
			OnConnectionLost: logLost,
		})
		if err != nil {
			return err
		}
		defer node.Close()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go node.Run(runCtx)

		var validation []byte
		if validationMsg != "" {
			validation = []byte(validationMsg)
		}
		if err := node.Connect(ctx, peer, endpoint, validation, params.BootstrapConnectTimeout, 0); err != nil {
			return err
		}

		for _, msg := range sendMessages {
			if err := node.Send(ctx, peer, []byte(msg)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			util.LogDebug("sent %d bytes to %s", len(msg), peer)
		}
		pterm.Success.Printfln("delivered %d message(s) to %s", len(sendMessages), peer)

		if interactive {
			return chat(ctx, node, peer)
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <node-id> <endpoint>",
	Short: "Check that a node answers at an endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		peer, endpoint, err := parsePeer(args[0], args[1])
		if err != nil {
			return err
		}

		node, err := openNode(ctx, connmgr.Callbacks{})
		if err != nil {
			return err
		}
		defer node.Close()

		if err := node.Ping(ctx, peer, endpoint); err != nil {
			return fmt.Errorf("ping %s at %s: %w", peer, endpoint, err)
		}
		pterm.Success.Printfln("%s answered at %s", peer, endpoint)
		return nil
	},
}

func init() {
	connectCmd.Flags().StringVar(&validationMsg, "validation", "", "first message the peer receives")
	connectCmd.Flags().StringArrayVar(&sendMessages, "send", nil, "message to send, may be repeated")
	connectCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "send stdin lines until Ctrl+C")
	rootCmd.AddCommand(connectCmd, pingCmd)
}

func parsePeer(id, ep string) (protocol.NodeID, netip.AddrPort, error) {
	peer, err := protocol.ParseNodeID(id)
	if err != nil {
		return protocol.NodeID{}, netip.AddrPort{}, fmt.Errorf("invalid node id: %w", err)
	}
	endpoint, err := netip.ParseAddrPort(ep)
	if err != nil {
		return protocol.NodeID{}, netip.AddrPort{}, fmt.Errorf("invalid endpoint %q: %w", ep, err)
	}
	return peer, endpoint, nil
}
