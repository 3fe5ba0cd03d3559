package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/timehand/metrics"
	"github.com/jmcleod/timehand/ntske"
)

var (
	keSrvAddr        string
	keSrvMetricsAddr string
	keSrvDataDir     string
	keSrvSeedFile    string
	keSrvTLSCert     string
	keSrvTLSKey      string
	keSrvNTPServer   string
	keSrvNTPPort     uint16
	keSrvCookies     int
)

var keServerCmd = &cobra.Command{
	Use:   "ke-server",
	Short: "Start only the key exchange server",
	Long: `Runs the NTS-KE half on its own, sharing the key database and seed with
a separately running ntp-server. Run 'timehand keygen' first to publish the
period records; this process opens the database read-only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.StandardLogger()

		keys, rotator, kv, err := openKeys(keSrvDataDir, keSrvSeedFile, true)
		if err != nil {
			return err
		}
		defer kv.Close()

		if err := rotator.Start(); err != nil {
			return err
		}

		cert, err := tls.LoadX509KeyPair(keSrvTLSCert, keSrvTLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

		metrics.MustRegister()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		keServer := &ntske.Server{
			Keys:        keys,
			NTPServer:   keSrvNTPServer,
			NTPPort:     keSrvNTPPort,
			CookieCount: keSrvCookies,
			Log:         log,
		}

		done := make(chan error, 2)
		go func() { done <- keServer.ListenAndServe(ctx, keSrvAddr, tlsConfig) }()
		go func() { done <- metrics.Serve(keSrvMetricsAddr) }()
		go rotator.Run(ctx)

		fmt.Printf("Key exchange server on %s (data: %s)...\n", keSrvAddr, keSrvDataDir)

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
	rootCmd.AddCommand(keServerCmd)
	keServerCmd.Flags().StringVar(&keSrvAddr, "ke-addr", ":4460", "Key exchange listen address")
	keServerCmd.Flags().StringVar(&keSrvMetricsAddr, "metrics-addr", ":9023", "Metrics listen address")
	keServerCmd.Flags().StringVar(&keSrvDataDir, "data-dir", "./data", "Directory for persistent data")
	keServerCmd.Flags().StringVar(&keSrvSeedFile, "seed-file", "./data/seed", "Path to the hex-encoded master seed")
	keServerCmd.Flags().StringVar(&keSrvTLSCert, "tls-cert", "", "Path to TLS certificate file")
	keServerCmd.Flags().StringVar(&keSrvTLSKey, "tls-key", "", "Path to TLS key file")
	keServerCmd.Flags().StringVar(&keSrvNTPServer, "advertise-server", "", "NTP server name sent to clients")
	keServerCmd.Flags().Uint16Var(&keSrvNTPPort, "advertise-port", 0, "NTP port sent to clients")
	keServerCmd.Flags().IntVar(&keSrvCookies, "cookies", ntske.DefaultCookieCount, "Cookies issued per key exchange")
	keServerCmd.MarkFlagRequired("tls-cert")
	keServerCmd.MarkFlagRequired("tls-key")
}
