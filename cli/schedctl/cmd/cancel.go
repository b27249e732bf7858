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

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel [ID]",
	Short: "Cancel a request",
	Long: `Cancel a request.

A queued request is cancelled at once. A running request is cancelled when the
execution backend stops it; its state stays Running until then.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	status, err := newClient().cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok, err := printStructured(cmd.OutOrStdout(), status); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "request %s: %s\n", status.Request.ID, status.Request.State)
	return nil
}
