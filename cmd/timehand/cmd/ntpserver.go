package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/timehand/metrics"
	"github.com/jmcleod/timehand/server"
)

var (
	ntpSrvAddr        string
	ntpSrvMetricsAddr string
	ntpSrvDataDir     string
	ntpSrvSeedFile    string
	ntpSrvStratum     uint8
	ntpSrvRefID       string
	ntpSrvWorkers     int
)

var ntpServerCmd = &cobra.Command{
	Use:   "ntp-server",
	Short: "Start only the time server",
	Long: `Runs the UDP time service on its own, sharing the key database and seed
with a separately running ke-server. Run 'timehand keygen' first to publish
the period records; this process opens the database read-only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.StandardLogger()

		keys, rotator, kv, err := openKeys(ntpSrvDataDir, ntpSrvSeedFile, true)
		if err != nil {
			return err
		}
		defer kv.Close()

		if err := rotator.Start(); err != nil {
			return err
		}

		udpConn, err := net.ListenPacket("udp", ntpSrvAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ntpSrvAddr, err)
		}

		metrics.MustRegister()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ntpServer := &server.Server{
			Keys:        keys,
			Stratum:     ntpSrvStratum,
			Precision:   -20,
			ReferenceID: parseRefID(ntpSrvRefID),
			Workers:     ntpSrvWorkers,
			Log:         log,
		}

		done := make(chan error, 2)
		go func() { done <- ntpServer.Serve(ctx, udpConn) }()
		go func() { done <- metrics.Serve(ntpSrvMetricsAddr) }()
		go rotator.Run(ctx)

		fmt.Printf("Time server on %s (data: %s)...\n", ntpSrvAddr, ntpSrvDataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			cancel()
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(ntpServerCmd)
	ntpServerCmd.Flags().StringVar(&ntpSrvAddr, "ntp-addr", ":123", "Time service listen address")
	ntpServerCmd.Flags().StringVar(&ntpSrvMetricsAddr, "metrics-addr", ":9024", "Metrics listen address")
	ntpServerCmd.Flags().StringVar(&ntpSrvDataDir, "data-dir", "./data", "Directory for persistent data")
	ntpServerCmd.Flags().StringVar(&ntpSrvSeedFile, "seed-file", "./data/seed", "Path to the hex-encoded master seed")
	ntpServerCmd.Flags().Uint8Var(&ntpSrvStratum, "stratum", 2, "Advertised stratum")
	ntpServerCmd.Flags().StringVar(&ntpSrvRefID, "ref-id", "TIME", "Advertised reference identifier")
	ntpServerCmd.Flags().IntVar(&ntpSrvWorkers, "workers", 0, "Response worker pool size (0 for default)")
}
