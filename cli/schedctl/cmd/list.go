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
	"github.com/spf13/cobra"
)

var listState string

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests by state",
	Long: `List the identifiers of requests known to the scheduler, in arrival order.

Examples:
  schedctl list
  schedctl list --state Running -o json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listState, "state", "", "Only list requests in this state")
}

func runList(cmd *cobra.Command, args []string) error {
	lists, err := newClient().list(cmd.Context(), listState)
	if err != nil {
		return err
	}
	if ok, err := printStructured(cmd.OutOrStdout(), lists); ok {
		return err
	}
	return printList(cmd.OutOrStdout(), lists)
}
