package main

import (
	"github.com/spf13/cobra"

	"github.com/vtether/airlink/internal/applog"
	"github.com/vtether/airlink/internal/config"
)

// globalFlags mirrors the teacher's top-level flag.String/flag.Int calls,
// generalized into persistent cobra flags shared by both subcommands.
type globalFlags struct {
	logLevel    string
	logPretty   bool
	metricsAddr string
	localPort   int
	signalURL   string
	localTarget string
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:           "airlink",
		Short:         "Realtime P2P UDP video transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applog.Init(gf.logLevel, gf.logPretty)
		},
	}

	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&gf.logPretty, "log-pretty", false, "render logs with a human-readable console writer")
	root.PersistentFlags().StringVar(&gf.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	root.PersistentFlags().IntVar(&gf.localPort, "port", 0, "local UDP port to bind (0 for auto)")
	root.PersistentFlags().StringVar(&gf.signalURL, "signal", "", "signaling server websocket URL (empty skips signaling, requires --peer)")
	root.PersistentFlags().StringVar(&gf.localTarget, "peer", "", "direct peer UDP endpoint for local/LAN testing, skips signaling")

	root.AddCommand(newSenderCmd(gf))
	root.AddCommand(newReceiverCmd(gf))
	return root
}

func loadConfig() (config.Config, error) {
	return config.Load()
}
