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
	"io"
	"sort"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

// printStructured writes obj as yaml or json and reports whether the output format asked for it.
func printStructured(out io.Writer, obj interface{}) (bool, error) {
	switch outputFormat {
	case "yaml":
		data, err := yaml.Marshal(obj)
		if err != nil {
			return true, fmt.Errorf("failed to marshal to YAML: %v", err)
		}
		_, err = out.Write(data)
		return true, err
	case "json":
		data, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal to JSON: %v", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return true, err
	case "", "table":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", outputFormat)
	}
}

func printRequests(out io.Writer, reqs ...*common.Request) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSTATE\tOUTPUT\tERROR")
	for _, r := range reqs {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Model, r.State, len(r.Output), errText)
	}
	return w.Flush()
}

func printList(out io.Writer, lists map[common.RequestState][]string) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STATE\tID")
	for _, state := range common.AllStates {
		ids := append([]string(nil), lists[state]...)
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "%s\t%s\n", state, id)
		}
	}
	return w.Flush()
}
