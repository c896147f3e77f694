package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	xrtsdk "xrt/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "xrt",
	Short: "xrt execution runtime",
	Long: `xrt executes intents submitted by delivery services as sagas.
- Session: a tenant-bound context that intents execute within.
- Capability: a registered intent type with ordered, optionally compensable steps.
- Saga: the durable execution record; failures compensate completed steps in reverse.
- WAL: the per-tenant event log every transition is written to first.

Run 'xrt serve' to start the API; the other commands talk to a running server,
except 'wal tail' which reads the workspace database.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("XRT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "runtime base URL")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id")
	rootCmd.PersistentFlags().String("token", "", "bearer token")
	rootCmd.PersistentFlags().String("registration-token", "", "capability registration token")
	for _, name := range []string{"workspace", "json", "server", "tenant", "token", "registration-token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(capabilityCmd())
	rootCmd.AddCommand(walCmd())
}

// --- helpers ---

func newClient() (*xrtsdk.Client, error) {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		return nil, fmt.Errorf("--tenant required")
	}
	c := xrtsdk.New(viper.GetString("server"), tenant)
	c.BearerToken = viper.GetString("token")
	c.RegistrationToken = viper.GetString("registration-token")
	return c, nil
}

// parseObject decodes a JSON object flag value. Empty input yields nil.
func parseObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
