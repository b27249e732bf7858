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

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

var (
	submitID     string
	submitModel  string
	submitPrompt string
	submitTokens []int32
	submitParams common.GenerationParams
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an inference request",
	Long: `Submit an inference request and print its identifier.

The prompt is given either as text (--prompt) or as token ids (--tokens).

Examples:
  schedctl submit --model llama --prompt "tell me a story" --max-new-tokens 64
  schedctl submit --model llama --tokens 1,15043,3186 --stop-tokens 2`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	flags := submitCmd.Flags()
	flags.StringVar(&submitID, "id", "", "Request identifier, generated by the scheduler when empty")
	flags.StringVarP(&submitModel, "model", "m", "", "Target model")
	flags.StringVarP(&submitPrompt, "prompt", "p", "", "Prompt text")
	flags.Int32SliceVar(&submitTokens, "tokens", nil, "Prompt token ids")
	flags.IntVar(&submitParams.MaxNewTokens, "max-new-tokens", 0, "Maximum number of generated tokens")
	flags.IntVar(&submitParams.MaxLength, "max-length", 0, "Maximum prompt plus generated tokens")
	flags.Float64Var(&submitParams.Temperature, "temperature", 0, "Sampling temperature")
	flags.Float64Var(&submitParams.TopP, "top-p", 0, "Nucleus sampling probability")
	flags.IntVar(&submitParams.TopK, "top-k", 0, "Top-k sampling")
	flags.Int64Var(&submitParams.Seed, "seed", 0, "Sampling seed")
	flags.Int32SliceVar(&submitParams.StopTokens, "stop-tokens", nil, "Token ids that end generation")
	flags.IntVar(&submitParams.LogProbabilities, "logprobs", 0, "Number of log probabilities per token")
	_ = submitCmd.MarkFlagRequired("model")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if submitPrompt == "" && len(submitTokens) == 0 {
		return fmt.Errorf("one of --prompt or --tokens is required")
	}
	id, err := newClient().submit(cmd.Context(), submitBody{
		ID:          submitID,
		Model:       submitModel,
		InputTokens: submitTokens,
		Prompt:      submitPrompt,
		Params:      submitParams,
	})
	if err != nil {
		return err
	}
	if ok, err := printStructured(cmd.OutOrStdout(), map[string]string{"id": id}); ok {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
