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

package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

const (
	streamingRespPrefix = "data:"
	streamingEndMsg     = "[DONE]"

	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeSSE    = "text/event-stream"
)

// wireEvent is the event representation exchanged with execution backends.
type wireEvent struct {
	RequestID string              `json:"request_id"`
	Kind      common.EventKind    `json:"kind"`
	Tokens    []int32             `json:"tokens,omitempty"`
	State     common.RequestState `json:"state,omitempty"`
	Error     *common.Error       `json:"error,omitempty"`
}

// decodeLine parses one line of an NDJSON or SSE stream. It reports end when the
// line is the end-of-stream marker, and ok=false for lines carrying no event.
func decodeLine(line []byte) (ev common.Event, ok bool, end bool, err error) {
	text := strings.TrimSpace(string(line))
	if text == "" || strings.HasPrefix(text, ":") || strings.HasPrefix(text, "event:") || strings.HasPrefix(text, "id:") {
		return ev, false, false, nil
	}
	text = strings.TrimSpace(strings.TrimPrefix(text, streamingRespPrefix))
	if text == streamingEndMsg {
		return ev, false, true, nil
	}
	var w wireEvent
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return ev, false, false, fmt.Errorf("decode event %q: %w", text, err)
	}
	if w.RequestID == "" {
		return ev, false, false, fmt.Errorf("event without request id: %q", text)
	}
	return common.Event{
		RequestID: w.RequestID,
		Kind:      w.Kind,
		Tokens:    w.Tokens,
		State:     w.State,
		Err:       w.Error,
	}, true, false, nil
}

// DecodeStream reads events from r until EOF or the end marker and hands each to fn.
func DecodeStream(r io.Reader, fn func(common.Event)) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			ev, ok, end, decodeErr := decodeLine(line)
			if decodeErr != nil {
				return decodeErr
			}
			if end {
				return nil
			}
			if ok {
				fn(ev)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// EncodeEvent renders an event as one stream line. sse selects the SSE framing.
func EncodeEvent(ev common.Event, sse bool) ([]byte, error) {
	data, err := json.Marshal(wireEvent{
		RequestID: ev.RequestID,
		Kind:      ev.Kind,
		Tokens:    ev.Tokens,
		State:     ev.State,
		Error:     ev.Err,
	})
	if err != nil {
		return nil, err
	}
	return frame(data, sse), nil
}

// EndOfStream returns the end marker line.
func EndOfStream(sse bool) []byte {
	return frame([]byte(streamingEndMsg), sse)
}

func frame(data []byte, sse bool) []byte {
	var buf bytes.Buffer
	if sse {
		buf.WriteString("data: ")
		buf.Write(data)
		buf.WriteString("\n\n")
		return buf.Bytes()
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return buf.Bytes()
}
