package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/app"
	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/connmgr"
	"github.com/1ureka/rudp/internal/transport"
	"github.com/1ureka/rudp/internal/util"
)

var (
	// Global flags
	cfgFile     string
	debugMode   bool
	logLevel    string
	metricsAddr string
	bindAddr    string
	nodeName    string
	stunServers []string
	statsEvery  time.Duration

	// Shared state set during PersistentPreRunE
	params *config.Parameters
)

// rootCmd is the base command for rudpnode.
var rootCmd = &cobra.Command{
	Use:   "rudpnode",
	Short: "Reliable UDP node: listen, connect, ping and rendezvous",
	Long: `rudpnode runs one reliable-UDP endpoint. Messages are fragmented,
acknowledged and retransmitted over a single UDP socket shared by every
connection of the node.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := util.SetLogLevel(logLevel); err != nil {
			return err
		}
		if debugMode {
			util.EnableDebug()
		}

		var err error
		params, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if nodeName == "" {
			nodeName = uuid.NewString()
		}

		if metricsAddr != "" {
			if err := serveMetrics(cmd.Context(), metricsAddr); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./rudp.yaml, ./configs/rudp.yaml or ~/.rudp/rudp.yaml)")
	pf.BoolVar(&debugMode, "debug", false, "enable debug logging")
	pf.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn or error")
	pf.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9090")
	pf.StringVar(&bindAddr, "bind", "127.0.0.1:0", "local UDP endpoint; port 0 tries the configured default port first")
	pf.StringVar(&nodeName, "name", "", "node name the NodeID is derived from (default: a random UUID)")
	pf.StringSliceVar(&stunServers, "stun", nil, `STUN servers used to discover the external endpoint, "default" for the public list`)
	pf.DurationVar(&statsEvery, "stats", 5*time.Second, "traffic report interval, 0 disables it")
}

// openNode binds a node with the global flags.
func openNode(ctx context.Context, cb connmgr.Callbacks) (*app.Node, error) {
	bind, err := netip.ParseAddrPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid --bind %q: %w", bindAddr, err)
	}
	var servers []string
	for _, s := range stunServers {
		if s == "default" {
			servers = append(servers, transport.DefaultSTUNServers...)
			continue
		}
		servers = append(servers, s)
	}
	return app.Open(ctx, params, app.Options{
		Name:          nodeName,
		Bind:          bind,
		STUNServers:   servers,
		StatsInterval: statsEvery,
		Callbacks:     cb,
	})
}

// printNode shows the identity peers need to reach this node.
func printNode(n *app.Node) {
	rows := [][]string{
		{"Name", nodeName},
		{"NodeID", n.ID().Hex()},
		{"Local", n.LocalEndpoint().String()},
	}
	if ext := n.ExternalEndpoint(); ext.IsValid() {
		rows = append(rows, []string{"External", ext.String()})
	}
	table, _ := pterm.DefaultTable.WithData(rows).Srender()
	pterm.DefaultBox.WithTitle("RUDP Node").Println(table)
	pterm.Println()
}

func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := util.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("metrics available at http://%s/metrics", listener.Addr())
	return nil
}
