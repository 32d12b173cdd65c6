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


// Package config provides basic infrastructure to set configuration settings
// for pagesim. Each setting that can be changed from outside (flags, config
// file) is a field of Config.
package config

import (
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/swap"
)

// Config holds configuration that is not part of the workload.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, and a toml tag with the same name.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// Frames is the amount of physical memory, in frames.
	Frames uint `flag:"frames" toml:"frames"`

	// KernelFrames is the number of frames reserved for the kernel image at
	// boot.
	KernelFrames uint `flag:"kernel-frames" toml:"kernel-frames"`

	// SwapFile is the path of the host file backing swap. If empty, swap is
	// kept in memory.
	SwapFile string `flag:"swap-file" toml:"swap-file"`

	// SwapSize is the size of swap in bytes.
	SwapSize uint64 `flag:"swap-size" toml:"swap-size"`

	// StackPages is the size of each process's stack region in pages.
	StackPages uint `flag:"stack-pages" toml:"stack-pages"`

	// AllocRetries bounds frame allocation attempts when every frame is
	// pinned.
	AllocRetries int `flag:"alloc-retries" toml:"alloc-retries"`

	// WarnInterval is the minimum interval between fault failure warnings.
	WarnInterval time.Duration `flag:"warn-interval" toml:"warn-interval"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// MetricsFormat is the format of the statistics report.
	MetricsFormat MetricsFormat `flag:"metrics-format" toml:"metrics-format"`
}

func (c *Config) validate() error {
	if c.Frames == 0 || c.Frames > hostarch.MaxFrameNumber+1 {
		return fmt.Errorf("--frames must be in [1, %d], got: %d", hostarch.MaxFrameNumber+1, c.Frames)
	}
	if c.KernelFrames >= c.Frames {
		return fmt.Errorf("--kernel-frames (%d) must be smaller than --frames (%d)", c.KernelFrames, c.Frames)
	}
	if c.SwapSize == 0 || c.SwapSize%hostarch.PageSize != 0 {
		return fmt.Errorf("--swap-size must be a non-zero multiple of %d, got: %d", hostarch.PageSize, c.SwapSize)
	}
	if slots := c.SwapSize / hostarch.PageSize; slots > swap.MaxSlots {
		return fmt.Errorf("--swap-size of %d bytes exceeds the maximum of %d slots", c.SwapSize, swap.MaxSlots)
	}
	if c.StackPages == 0 || uint64(c.StackPages)<<hostarch.PageShift >= uint64(hostarch.UserStackTop) {
		return fmt.Errorf("--stack-pages out of range: %d", c.StackPages)
	}
	if c.AllocRetries <= 0 {
		return fmt.Errorf("--alloc-retries must be positive, got: %d", c.AllocRetries)
	}
	if c.WarnInterval < 0 {
		return fmt.Errorf("--warn-interval must not be negative, got: %v", c.WarnInterval)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// SwapSlots returns the number of swap slots.
func (c *Config) SwapSlots() int {
	return int(c.SwapSize / hostarch.PageSize)
}

// Kernel returns the kernel configuration.
func (c *Config) Kernel() kernel.Config {
	return kernel.Config{
		Frames:       uint32(c.Frames),
		KernelFrames: uint32(c.KernelFrames),
		SwapFile:     c.SwapFile,
		SwapSlots:    c.SwapSlots(),
		StackPages:   uint32(c.StackPages),
		AllocRetries: c.AllocRetries,
		WarnInterval: c.WarnInterval,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

// MetricsFormat is the format of the statistics report.
type MetricsFormat int

const (
	// MetricsText is the report format of the original kernel, with a
	// warning line for each property that does not hold.
	MetricsText MetricsFormat = iota

	// MetricsPrometheus is the Prometheus text exposition format.
	MetricsPrometheus
)

func metricsFormatPtr(v MetricsFormat) *MetricsFormat {
	return &v
}

// Set implements flag.Value.
func (m *MetricsFormat) Set(v string) error {
	switch v {
	case "text":
		*m = MetricsText
	case "prometheus":
		*m = MetricsPrometheus
	default:
		return fmt.Errorf("invalid metrics format %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *MetricsFormat) Get() any {
	return *m
}

// String implements flag.Value.
func (m MetricsFormat) String() string {
	switch m {
	case MetricsText:
		return "text"
	case MetricsPrometheus:
		return "prometheus"
	}
	panic(fmt.Sprintf("Invalid metrics format %d", m))
}

// UnmarshalText implements encoding.TextUnmarshaler, for config files.
func (m *MetricsFormat) UnmarshalText(b []byte) error {
	return m.Set(string(b))
}
