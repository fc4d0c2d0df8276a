package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/app"
	"github.com/1ureka/rudp/internal/connmgr"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/signaling"
	"github.com/1ureka/rudp/internal/util"
)

var (
	wsPort   int
	wsListen bool
	pinLen   int
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Start a signaling server and wait for one peer to join",
	Long: `Start a PIN-protected WebSocket signaling server. Once a peer joins,
both nodes exchange their endpoints, connect directly over UDP and then send
each other stdin lines until Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		wsAddr := fmt.Sprintf("127.0.0.1:%d", wsPort)
		if wsListen {
			wsAddr = fmt.Sprintf(":%d", wsPort)
		}

		pin := signaling.GeneratePIN(pinLen)
		srv := signaling.NewServer(pin)
		addr, err := srv.Start(wsAddr)
		if err != nil {
			return err
		}
		defer srv.Close()

		node, err := openNode(ctx, chatCallbacks())
		if err != nil {
			return err
		}
		defer node.Close()

		printNode(node)
		pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
			fmt.Sprintf("Address : %s\nPIN     : %s\n\nForward this port to the public network\nand join with: rudpnode join <url>?pin=%s", addr, pin, pin))
		pterm.Println()
		util.LogInfo("waiting for a peer to join...")

		return runRendezvous(ctx, node, func(ctx context.Context) (protocol.NodeID, error) {
			return node.RendezvousAsHost(ctx, srv)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join [ws-url]",
	Short: "Join a peer's signaling server and connect to it",
	Long: `Join the signaling server started by "rudpnode host". The URL must
carry the PIN, e.g. wss://example.devtunnels.ms/ws?pin=1234. Without an
argument the URL and PIN are asked for interactively.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var wsURL string
		if len(args) == 1 {
			u, err := normalizeWSURL(args[0], "")
			if err != nil {
				return err
			}
			wsURL = u
		} else {
			wsURL = askURL()
		}

		node, err := openNode(ctx, chatCallbacks())
		if err != nil {
			return err
		}
		defer node.Close()
		printNode(node)

		return runRendezvous(ctx, node, func(ctx context.Context) (protocol.NodeID, error) {
			return node.RendezvousAsClient(ctx, wsURL)
		})
	},
}

func init() {
	hostCmd.Flags().IntVar(&wsPort, "ws-port", 0, "WebSocket signaling port (0 picks a random one)")
	hostCmd.Flags().BoolVar(&wsListen, "ws-listen", false, "listen on all interfaces instead of loopback")
	hostCmd.Flags().IntVar(&pinLen, "pin-length", 4, "number of PIN digits")
	rootCmd.AddCommand(hostCmd, joinCmd)
}

func chatCallbacks() connmgr.Callbacks {
	return connmgr.Callbacks{
		OnMessage: func(peer protocol.NodeID, msg []byte) {
			pterm.Printfln("%s %s", pterm.Cyan(peer.String()+">"), msg)
		},
		OnConnectionLost: logLost,
	}
}

// runRendezvous runs the node while introduce connects it to its peer, then
// relays stdin to that peer.
func runRendezvous(ctx context.Context, node *app.Node, introduce func(context.Context) (protocol.NodeID, error)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go node.Run(runCtx)

	peer, err := introduce(ctx)
	if err != nil {
		return fmt.Errorf("failed to establish connection: %w", err)
	}
	util.LogSuccess("direct connection to %s established, type messages and press Enter", peer)
	return chat(ctx, node, peer)
}

// normalizeWSURL validates a raw WebSocket URL, adds the /ws path and, if
// pin is not empty, the pin query parameter.
func normalizeWSURL(raw, pin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	q := u.Query()
	if pin != "" {
		q.Set("pin", pin)
	}
	if q.Get("pin") == "" {
		return "", fmt.Errorf("missing pin in %s", raw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// askURL prompts for a URL and PIN until a valid pair is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()
		pin, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("PIN").
			Show()

		wsURL, err := normalizeWSURL(raw, strings.TrimSpace(pin))
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL and the PIN")
	}
}
