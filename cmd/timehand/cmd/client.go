package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/timehand/client"
	"github.com/jmcleod/timehand/ntske"
)

var (
	clientServer   string
	clientInsecure bool
	clientCount    int
	clientInterval time.Duration
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Query an NTS-protected time server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		tlsConfig := &tls.Config{InsecureSkipVerify: clientInsecure}

		sess, err := newSession(ctx, tlsConfig)
		if err != nil {
			return err
		}
		fmt.Printf("Key exchange complete: %s, %d cookies, time server %s\n",
			sess.Algorithm, sess.CookieCount(), sess.Address)

		for i := 0; i < clientCount; i++ {
			if i > 0 {
				time.Sleep(clientInterval)
			}

			m, err := sess.Measure(ctx)
			if errors.Is(err, client.ErrCryptoNAK) || errors.Is(err, client.ErrCookiesExhausted) {
				fmt.Printf("Session ended (%v), renegotiating...\n", err)
				if sess, err = newSession(ctx, tlsConfig); err != nil {
					return err
				}
				m, err = sess.Measure(ctx)
				if err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			fmt.Printf("offset %+12s  rtt %10s  stratum %d  server time %s\n",
				m.Offset, m.RTT, m.Stratum, m.Time.Format(time.RFC3339Nano))
		}
		return nil
	},
}

func newSession(ctx context.Context, tlsConfig *tls.Config) (*client.Session, error) {
	keCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := ntske.Exchange(keCtx, clientServer, tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("key exchange with %s failed: %w", clientServer, err)
	}
	return client.NewSession(res)
}

func init() {
	rootCmd.AddCommand(clientCmd)
	clientCmd.Flags().StringVarP(&clientServer, "server", "s", "localhost:4460", "Key exchange server address")
	clientCmd.Flags().BoolVar(&clientInsecure, "insecure", false, "Skip TLS certificate verification")
	clientCmd.Flags().IntVarP(&clientCount, "count", "c", 1, "Number of measurements")
	clientCmd.Flags().DurationVarP(&clientInterval, "interval", "i", 2*time.Second, "Delay between measurements")
}
