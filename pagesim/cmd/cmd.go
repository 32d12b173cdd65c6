// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package cmd holds implementations of the pagesim commands.
package cmd

import (
	"io"

	"gvisor.dev/pager/pagesim/config"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

// metricsPrefix prefixes the names of exported statistics.
const metricsPrefix = "pagesim"

// bootKernel boots a kernel configured by conf.
func bootKernel(conf *config.Config) (*kernel.Kernel, error) {
	return kernel.New(conf.Kernel())
}

// writeStats writes the statistics report in the configured format.
func writeStats(conf *config.Config, w io.Writer, snap vmstats.Snapshot) error {
	switch conf.MetricsFormat {
	case config.MetricsPrometheus:
		return snap.WritePrometheus(w, metricsPrefix)
	default:
		return snap.Print(w)
	}
}
