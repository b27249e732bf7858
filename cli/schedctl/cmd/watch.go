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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [ID]",
	Short: "Follow the output of a request",
	Long: `Follow the output of a request until it reaches a terminal state.

Token ids are printed as they arrive, followed by the final status.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return newClient().watch(cmd.Context(), args[0], func(ev streamEvent) error {
		if ok, err := printStructured(out, ev); ok {
			return err
		}
		switch ev.Event {
		case "tokens":
			var delta struct {
				Tokens []int32 `json:"tokens"`
			}
			if err := json.Unmarshal(ev.Data, &delta); err != nil {
				return err
			}
			for _, t := range delta.Tokens {
				fmt.Fprintln(out, t)
			}
		case "status":
			var req common.Request
			if err := json.Unmarshal(ev.Data, &req); err != nil {
				return err
			}
			return printRequests(out, &req)
		case "error":
			var e common.Error
			if err := json.Unmarshal(ev.Data, &e); err != nil {
				return err
			}
			return &e
		}
		return nil
	})
}
