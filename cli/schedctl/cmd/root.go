/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "schedctl",
	Short: "Client for the kthena request-batching scheduler",
	Long: `schedctl talks to the HTTP API of kthena-scheduler.

Examples:
  schedctl submit --model llama --prompt "hello"
  schedctl get 5f0c7c1e-... --drain
  schedctl watch 5f0c7c1e-...
  schedctl list --state Queued -o yaml
  schedctl cancel 5f0c7c1e-...`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// GetRootCmd exports the root command for external tools (e.g., doc generation)
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("SCHEDCTL_SERVER", "http://localhost:8080"), "Scheduler API address")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", os.Getenv("SCHEDCTL_TOKEN"), "Bearer token for authenticated schedulers")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format (yaml|json|table)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
