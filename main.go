// main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tunepair",
		Short:         "Stream audio peer-to-peer between a paired source and sink",
		Version:       appVersion,
		SilenceUsage:  true,
		Example: `  # Prepare a device folder
  tunepair init ./devices/phone

  # Run the development relay and mint a token
  tunepair relay ./devices/relay
  tunepair token ./devices/phone --user alice

  # Stream from one folder, listen from another
  tunepair source ./devices/phone
  tunepair sink ./devices/laptop --code 123456`,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("tunepair v%s\n", appVersion))

	cmd.AddCommand(initCmd())
	cmd.AddCommand(sourceCmd())
	cmd.AddCommand(sinkCmd())
	cmd.AddCommand(relayCmd())
	cmd.AddCommand(tokenCmd())
	return cmd
}
