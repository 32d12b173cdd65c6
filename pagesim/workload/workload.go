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


// Package workload describes and runs simulated user programs against a
// kernel.
package workload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/mm"
)

// Workload is a set of processes that run concurrently.
type Workload struct {
	Processes []Process `yaml:"processes"`

	// dir is the directory image paths are relative to.
	dir string
}

// Process describes a process started by the workload.
type Process struct {
	Name string `yaml:"name"`

	// Image is the path of an ELF executable to load, relative to the
	// workload file. It is optional.
	Image string `yaml:"image,omitempty"`

	// Segments are defined before the script runs.
	Segments []Segment `yaml:"segments,omitempty"`

	Script []Step `yaml:"script"`
}

// Segment describes an anonymous segment.
type Segment struct {
	Start    hostarch.Addr `yaml:"start"`
	Pages    uint32        `yaml:"pages"`
	Writable bool          `yaml:"writable,omitempty"`
}

// Op is a script operation.
type Op string

// Script operations.
const (
	// OpWrite stores Data at Addr.
	OpWrite Op = "write"

	// OpRead loads Length bytes at Addr, or len(Expect) bytes if Expect is
	// set, and compares them to Expect.
	OpRead Op = "read"

	// OpTouch accesses one byte in each of Pages pages starting at Addr.
	// The access is a store if Write is set.
	OpTouch Op = "touch"

	// OpFork starts Child with a copy of the address space. The child's
	// script runs concurrently with the rest of the parent's.
	OpFork Op = "fork"

	// OpExit exits with Code.
	OpExit Op = "exit"
)

// Step is one operation of a script.
type Step struct {
	Op     Op            `yaml:"op"`
	Addr   hostarch.Addr `yaml:"addr,omitempty"`
	Data   string        `yaml:"data,omitempty"`
	Length int           `yaml:"length,omitempty"`
	Expect *string       `yaml:"expect,omitempty"`
	Pages  uint32        `yaml:"pages,omitempty"`
	Write  bool          `yaml:"write,omitempty"`
	Child  *Process      `yaml:"child,omitempty"`
	Code   int           `yaml:"code,omitempty"`
}

// Segment returns the segment described by s.
func (s Segment) Segment() mm.Segment {
	return mm.Segment{
		Range:    hostarch.AddrRange{Start: s.Start, End: s.Start + hostarch.Addr(s.Pages)*hostarch.PageSize},
		Writable: s.Writable,
	}
}

// Parse reads a workload in YAML form. Unknown fields are rejected.
func Parse(r io.Reader) (*Workload, error) {
	var w Workload
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty workload")
		}
		return nil, fmt.Errorf("parsing workload: %w", err)
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads the workload file at path.
func Load(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w.dir = filepath.Dir(path)
	return w, nil
}

func (w *Workload) validate() error {
	if len(w.Processes) == 0 {
		return fmt.Errorf("workload has no processes")
	}
	for i := range w.Processes {
		if err := w.Processes[i].validate(false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) validate(child bool) error {
	if p.Name == "" {
		return fmt.Errorf("process without a name")
	}
	if child && (p.Image != "" || len(p.Segments) > 0) {
		return fmt.Errorf("process %q: a forked child inherits its parent's image and segments", p.Name)
	}
	for _, s := range p.Segments {
		if s.Pages == 0 {
			return fmt.Errorf("process %q: empty segment at %v", p.Name, s.Start)
		}
	}
	for i, s := range p.Script {
		if err := s.validate(); err != nil {
			return fmt.Errorf("process %q step %d: %w", p.Name, i, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	switch s.Op {
	case OpWrite:
		if s.Data == "" {
			return fmt.Errorf("write without data")
		}
	case OpRead:
		if s.Length <= 0 && s.Expect == nil {
			return fmt.Errorf("read needs a length or an expected value")
		}
	case OpTouch:
		if s.Pages == 0 {
			return fmt.Errorf("touch without pages")
		}
	case OpFork:
		if s.Child == nil {
			return fmt.Errorf("fork without a child")
		}
		return s.Child.validate(true)
	case OpExit:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}
