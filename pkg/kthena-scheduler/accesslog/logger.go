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

package accesslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// AccessLogEntry describes one call of the scheduler API.
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Protocol   string    `json:"protocol"`
	StatusCode int       `json:"status_code"`
	// Duration in milliseconds
	Duration int64 `json:"duration"`

	RequestID string `json:"request_id"`
	ModelName string `json:"model_name,omitempty"`
	// SchedulerRequest is the identifier of the inference request the call is about.
	SchedulerRequest string `json:"scheduler_request,omitempty"`
	InputTokens      int    `json:"input_tokens,omitempty"`
	OutputTokens     int    `json:"output_tokens,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`
}

type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AccessLoggerConfig struct {
	Format  Format
	Enabled bool
}

type AccessLogger interface {
	Log(entry *AccessLogEntry) error
}

type accessLoggerImpl struct {
	config *AccessLoggerConfig
	mutex  sync.Mutex
	out    io.Writer
}

// NewAccessLogger writes entries to out, or to stdout when out is nil.
func NewAccessLogger(config *AccessLoggerConfig, out io.Writer) AccessLogger {
	if config == nil {
		config = &AccessLoggerConfig{Format: FormatText, Enabled: true}
	}
	if out == nil {
		out = os.Stdout
	}
	return &accessLoggerImpl{config: config, out: out}
}

func (l *accessLoggerImpl) Log(entry *AccessLogEntry) error {
	if !l.config.Enabled || entry == nil {
		return nil
	}
	var (
		line string
		err  error
	)
	switch l.config.Format {
	case FormatJSON:
		line, err = l.formatJSON(entry)
	default:
		line, err = l.formatText(entry)
	}
	if err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	_, err = fmt.Fprintln(l.out, line)
	return err
}

func (l *accessLoggerImpl) formatJSON(entry *AccessLogEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *accessLoggerImpl) formatText(entry *AccessLogEntry) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] \"%s %s %s\" %d %dms",
		entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		entry.Method, entry.Path, entry.Protocol, entry.StatusCode, entry.Duration)
	if entry.ModelName != "" {
		fmt.Fprintf(&b, " model=%s", entry.ModelName)
	}
	if entry.SchedulerRequest != "" {
		fmt.Fprintf(&b, " request=%s", entry.SchedulerRequest)
	}
	fmt.Fprintf(&b, " request_id=%s", entry.RequestID)
	if entry.InputTokens > 0 || entry.OutputTokens > 0 {
		fmt.Fprintf(&b, " tokens=%d/%d", entry.InputTokens, entry.OutputTokens)
	}
	if entry.Error != nil {
		fmt.Fprintf(&b, " error=%s:%q", entry.Error.Type, entry.Error.Message)
	}
	return b.String(), nil
}
