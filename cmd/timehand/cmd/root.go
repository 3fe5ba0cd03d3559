package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped at release time.
const Version = "0.1.0"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "timehand",
	Short: "TimeHand is an authenticated time service",
	Long: `An NTP server and client protected by Network Time Security (RFC 8915).
Complete documentation is available at https://github.com/jmcleod/timehand`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
