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


package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/pager/pagesim/flag"
	"gvisor.dev/pager/pkg/sentry/fault"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/pagetable"
	"gvisor.dev/pager/pkg/sentry/swap"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Machine flags.
	flagSet.Uint("frames", 256, "physical memory size, in 4 KiB frames.")
	flagSet.Uint("kernel-frames", 16, "frames reserved for the kernel image at boot.")
	flagSet.String("swap-file", "", "host file backing swap. If empty, swap is kept in memory.")
	flagSet.Uint64("swap-size", swap.DefaultSize, "swap size in bytes; must be a multiple of the page size.")

	// VM behavior flags.
	flagSet.Uint("stack-pages", mm.DefaultStackPages, "size of each process's stack region, in pages.")
	flagSet.Int("alloc-retries", pagetable.DefaultRetryAttempts, "frame allocation attempts before a fault fails when every frame is pinned.")
	flagSet.Duration("warn-interval", fault.DefaultWarnInterval, "minimum interval between warnings about failed faults.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Var(metricsFormatPtr(MetricsText), "metrics-format", "statistics report format: text (default) or prometheus.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ApplyFile sets the fields named in the TOML file at path. Flags explicitly
// set in flagSet take precedence over the file.
func (c *Config) ApplyFile(path string, flagSet *flag.FlagSet) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("config file %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	var setErr error
	flagSet.Visit(func(fl *flag.Flag) {
		if setErr == nil && c.hasFlag(fl.Name) {
			setErr = c.set(fl)
		}
	})
	if setErr != nil {
		return setErr
	}
	return c.validate()
}

func (c *Config) hasFlag(name string) bool {
	st := reflect.TypeOf(c).Elem()
	for i := 0; i < st.NumField(); i++ {
		if fieldName, ok := st.Field(i).Tag.Lookup("flag"); ok && fieldName == name {
			return true
		}
	}
	return false
}

// set copies the value of fl into the field tagged with its name.
func (c *Config) set(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if fieldName, ok := st.Field(i).Tag.Lookup("flag"); ok && fieldName == fl.Name {
			obj.Field(i).Set(reflect.ValueOf(flag.Get(fl.Value)))
			return nil
		}
	}
	return fmt.Errorf("flag %q not found", fl.Name)
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
