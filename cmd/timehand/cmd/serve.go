package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/timehand/internal/util"
	"github.com/jmcleod/timehand/keystore"
	"github.com/jmcleod/timehand/metrics"
	"github.com/jmcleod/timehand/ntske"
	"github.com/jmcleod/timehand/server"
)

var (
	keAddr      string
	ntpAddr     string
	metricsAddr string
	dataDir     string
	seedFile    string
	tlsCert     string
	tlsKey      string

	advertiseServer string
	advertisePort   uint16
	cookieCount     int

	stratum uint8
	refID   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the key exchange and time servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.StandardLogger()

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		keys, rotator, kv, err := openKeys(dataDir, seedFile, false)
		if err != nil {
			return err
		}
		defer kv.Close()

		// Make sure the local KV carries period records, then derive the
		// working key set from them.
		if err := keystore.Publish(kv, "periods", keystore.DefaultPeriod,
			keystore.DefaultBackwardPeriods, keystore.DefaultForwardPeriods, time.Now()); err != nil {
			return fmt.Errorf("failed to publish period records: %w", err)
		}
		if err := rotator.Start(); err != nil {
			return err
		}

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		udpConn, err := net.ListenPacket("udp", ntpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ntpAddr, err)
		}

		metrics.MustRegister()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		keServer := &ntske.Server{
			Keys:        keys,
			NTPServer:   advertiseServer,
			NTPPort:     advertisePort,
			CookieCount: cookieCount,
			Log:         log,
		}
		ntpServer := &server.Server{
			Keys:        keys,
			Stratum:     stratum,
			Precision:   -20,
			ReferenceID: parseRefID(refID),
			Log:         log,
		}

		done := make(chan error, 3)
		go func() { done <- keServer.ListenAndServe(ctx, keAddr, tlsConfig) }()
		go func() { done <- ntpServer.Serve(ctx, udpConn) }()
		go func() { done <- metrics.Serve(metricsAddr) }()
		go rotator.Run(ctx)

		printBanner()
		fmt.Printf("Key exchange on %s, time service on %s (data: %s)...\n", keAddr, ntpAddr, dataDir)

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

// loadSeed reads the hex-encoded master seed. The seed is what makes
// independently running processes agree on the derived key set, so there is
// no fallback to a random one here; use keygen to create it.
func loadSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s (run 'timehand keygen' first): %w", path, err)
	}
	seed, err := util.HexDecode(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("seed must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

// parseRefID packs a reference identifier like "GPS" or "PPS" into its
// four-byte form.
func parseRefID(s string) uint32 {
	var id uint32
	for i := 0; i < 4 && i < len(s); i++ {
		id |= uint32(s[i]) << (24 - 8*i)
	}
	return id
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&keAddr, "ke-addr", ":4460", "Key exchange listen address")
	serveCmd.Flags().StringVar(&ntpAddr, "ntp-addr", ":123", "Time service listen address")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9023", "Metrics listen address")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serveCmd.Flags().StringVar(&seedFile, "seed-file", "./data/seed", "Path to the hex-encoded master seed")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serveCmd.Flags().StringVar(&advertiseServer, "advertise-server", "", "NTP server name sent to clients")
	serveCmd.Flags().Uint16Var(&advertisePort, "advertise-port", 0, "NTP port sent to clients")
	serveCmd.Flags().IntVar(&cookieCount, "cookies", ntske.DefaultCookieCount, "Cookies issued per key exchange")
	serveCmd.Flags().Uint8Var(&stratum, "stratum", 2, "Advertised stratum")
	serveCmd.Flags().StringVar(&refID, "ref-id", "TIME", "Advertised reference identifier")
}
