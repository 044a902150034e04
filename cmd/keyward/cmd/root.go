package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the release version stamped at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "keyward",
	Short: "Keyward is a certificate and key archival service",
	Long: `A certificate authority with policy-driven enrollment profiles and a
key archival and recovery service for escrowed private keys.
Complete documentation is available at https://github.com/jmcleod/keyward`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Define flags and configuration settings here.
}
