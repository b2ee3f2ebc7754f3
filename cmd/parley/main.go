// Command parley runs the IM↔LLM gateway: channel adapters in, the
// conversation loop in the middle, authorized tool calls out.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:   "parley",
		Short: "Multi-tenant IM gateway for LLM conversations with authorized tool access",
		Long: `Parley connects messaging platforms (Slack, Telegram) to LLM providers
and lets conversations call out to external systems through per-user
OAuth2 authorization. Turns that need a new authorization suspend,
wait for the user, and resume where they left off.`,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s (%s)\n", version, commit)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
