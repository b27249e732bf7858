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
	"fmt"

	"github.com/spf13/cobra"
)

var drain bool

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get [ID]",
	Short: "Show the status of a request",
	Long: `Show the status of a request.

With --drain the output tokens produced since the previous drain are printed as well.
Draining a terminal request acknowledges it, the scheduler forgets it afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVar(&drain, "drain", false, "Return and consume the outstanding output tokens")
}

func runGet(cmd *cobra.Command, args []string) error {
	status, err := newClient().get(cmd.Context(), args[0], drain)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ok, err := printStructured(out, status); ok {
		return err
	}
	if err := printRequests(out, status.Request); err != nil {
		return err
	}
	if drain {
		fmt.Fprintf(out, "TOKENS: %v\n", status.Tokens)
	}
	return nil
}
