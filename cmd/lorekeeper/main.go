// Command lorekeeper is a worldbuilding assistant. It answers questions about
// a collection of entities stored in SQLite and proposes changes to it that
// the user reviews before anything is written.
//
// # Basic Usage
//
// Load some entities and start chatting:
//
//	lorekeeper seed world.yaml
//	lorekeeper chat
//
// Ask a single question:
//
//	lorekeeper ask "Who rules Saltmere?"
//
// # Environment Variables
//
//   - LOREKEEPER_LLM_PROVIDER_<NAME>_API_KEY: API key for a configured provider
//   - LOREKEEPER_CONFIG_KEY: passphrase for "enc:" secrets in the config file
//   - LOREKEEPER_*: overrides for most config fields
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	quick      quickFlags
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "lorekeeper",
		Short:         "Worldbuilding assistant over your lore collection",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "config.yaml", "Path to YAML configuration file")
	pf.StringVar(&flags.quick.Provider, "provider", "", "LLM provider type (anthropic, openai)")
	pf.StringVar(&flags.quick.Model, "model", "", "Model name for --provider")
	pf.StringVar(&flags.quick.APIKey, "key", "", "API key for --provider")

	root.AddCommand(
		buildChatCmd(flags),
		buildAskCmd(flags),
		buildEntitiesCmd(flags),
		buildSeedCmd(flags),
		buildEncryptCmd(),
	)
	return root
}
