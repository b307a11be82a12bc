// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogFormat selects the wire format of emitted log lines.
type LogFormat string

const (
	LogFormatLogfmt LogFormat = "logfmt"
	LogFormatJSON   LogFormat = "json"
)

// NewLogger builds a go-kit logger at the given level and format, tagged
// with name so that multi-component processes can tell their log lines
// apart.
func NewLogger(logLevel string, logFormat LogFormat, name string) log.Logger {
	var l log.Logger
	if logFormat == LogFormatJSON {
		l = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller, "name", name)

	switch logLevel {
	case "error":
		l = level.NewFilter(l, level.AllowError())
	case "warn":
		l = level.NewFilter(l, level.AllowWarn())
	case "info":
		l = level.NewFilter(l, level.AllowInfo())
	case "debug":
		l = level.NewFilter(l, level.AllowDebug())
	default:
		l = level.NewFilter(l, level.AllowInfo())
	}

	return l
}
