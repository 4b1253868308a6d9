// Package cli is the automoth command line: the daemon entry point and a
// client for the daemon's control API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"automoth/internal/api"
	"automoth/internal/config"
)

const (
	envConfig = "AUTOMOTH_CONFIG"
	envAPI    = "AUTOMOTH_API"
	envToken  = "AUTOMOTH_TOKEN"

	defaultConfigPath = "./automoth.yaml"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	addr       string
	token      string
	jsonOut    bool
}

// Execute loads an optional .env file and runs the command tree.
func Execute() error {
	// A missing .env is not an error.
	_ = godotenv.Load()
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "automoth",
		Short: "Unattended periodic photography",
		Long: `automoth captures images at a fixed interval into recorded sessions.

Run "automoth daemon" on the capture device. The other commands talk to the
daemon's control API to start, stop and schedule sessions and to manage the
recorded sessions and their metadata.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfgDefault := os.Getenv(envConfig)
	if cfgDefault == "" {
		cfgDefault = defaultConfigPath
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", cfgDefault, "config file (JSON or YAML; AUTOMOTH_CONFIG)")
	root.PersistentFlags().StringVar(&o.addr, "api", os.Getenv(envAPI), "daemon API address (AUTOMOTH_API; default from the config file)")
	root.PersistentFlags().StringVar(&o.token, "token", os.Getenv(envToken), "daemon API token (AUTOMOTH_TOKEN)")
	root.PersistentFlags().BoolVar(&o.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newDaemonCmd(o),
		newStartCmd(o),
		newStopCmd(o),
		newStatusCmd(o),
		newScheduleCmd(o),
		newCancelCmd(o),
		newPendingCmd(o),
		newSessionsCmd(o),
		newMetadataCmd(o),
		newDefaultsCmd(o),
		newEventsCmd(o),
		newServiceCmd(o),
	)
	return root
}

// client resolves the API address and token: flags and environment
// first, then the api section of the config file.
func (o *options) client() (*api.Client, error) {
	addr, token := strings.TrimSpace(o.addr), strings.TrimSpace(o.token)
	if addr == "" || token == "" {
		cfg, err := config.NewConfigManager(o.configPath).Parse()
		switch {
		case err == nil:
			if addr == "" {
				addr = cfg.API.Addr
			}
			if token == "" {
				token = cfg.API.Token
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", o.configPath, err)
		}
	}
	return api.NewClient(addr, token)
}

// printJSON writes v indented, for --json output.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
