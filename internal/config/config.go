// Package config loads workflow definition files.
//
// A definition names registry functions and wires them together:
//
//	[run]
//	backend = "threaded-parallel"
//	workers = 4
//
//	[[tasks]]
//	name = "a"
//	func = "const"
//	args = [5]
//
//	[[tasks]]
//	name = "b"
//	func = "add"
//	args = [{ ref = "a" }, 7]
//
//	[outputs]
//	result = "b"
//
// The same structure is accepted as YAML. A table with the single key "ref"
// refers to an earlier task; any other value is passed as a literal.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/bpradana/mflow"
)

var (
	// ErrUnknownFormat indicates a file extension other than .toml, .yaml or .yml.
	ErrUnknownFormat = errors.New("config: unknown definition format")
	// ErrInvalid indicates a structurally invalid definition.
	ErrInvalid = errors.New("config: invalid definition")
)

// Format is a definition file syntax.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// Definition is a parsed workflow definition.
type Definition struct {
	Run     Run               `toml:"run" yaml:"run"`
	Tasks   []Task            `toml:"tasks" yaml:"tasks"`
	Outputs map[string]string `toml:"outputs" yaml:"outputs"`
}

// Run holds the scheduler settings of a definition.
type Run struct {
	Backend       string `toml:"backend" yaml:"backend"`
	Workers       int    `toml:"workers" yaml:"workers"`
	FromScratch   bool   `toml:"from_scratch" yaml:"from_scratch"`
	Monitor       bool   `toml:"monitor" yaml:"monitor"`
	PollInterval  string `toml:"poll_interval" yaml:"poll_interval"`
	ErrorStrategy string `toml:"error_strategy" yaml:"error_strategy"`
}

// Task declares one workflow task.
type Task struct {
	Name   string         `toml:"name" yaml:"name"`
	Func   string         `toml:"func" yaml:"func"`
	Args   []any          `toml:"args" yaml:"args"`
	Kwargs map[string]any `toml:"kwargs" yaml:"kwargs"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Load reads and validates the definition at path.
func Load(path string) (*Definition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a definition.
func Parse(data []byte, format Format) (*Definition, error) {
	var def Definition
	switch format {
	case TOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&def); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	case YAML:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks names, references and outputs. A reference may only name
// a task declared before the referring one.
func (d *Definition) Validate() error {
	if len(d.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalid)
	}
	seen := make(map[string]bool, len(d.Tasks))
	for i, t := range d.Tasks {
		if t.Name == "" {
			return fmt.Errorf("%w: task %d has no name", ErrInvalid, i)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalid, t.Name)
		}
		if t.Func == "" {
			return fmt.Errorf("%w: task %q has no func", ErrInvalid, t.Name)
		}
		for j, arg := range t.Args {
			if ref, ok := refName(arg); ok && !seen[ref] {
				return fmt.Errorf("%w: task %q argument %d refers to %q, which is not declared before it", ErrInvalid, t.Name, j, ref)
			}
		}
		for key, arg := range t.Kwargs {
			if ref, ok := refName(arg); ok && !seen[ref] {
				return fmt.Errorf("%w: task %q keyword %s refers to %q, which is not declared before it", ErrInvalid, t.Name, key, ref)
			}
		}
		seen[t.Name] = true
	}

	if len(d.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalid)
	}
	for tag, name := range d.Outputs {
		if !seen[name] {
			return fmt.Errorf("%w: output %q names unknown task %q", ErrInvalid, tag, name)
		}
	}

	if d.Run.Backend != "" {
		if _, err := mflow.ParseBackend(d.Run.Backend); err != nil {
			return err
		}
	}
	if _, err := mflow.ParseErrorStrategy(d.Run.ErrorStrategy); err != nil {
		return err
	}
	if d.Run.PollInterval != "" {
		if _, err := time.ParseDuration(d.Run.PollInterval); err != nil {
			return fmt.Errorf("%w: poll_interval: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Build creates the workflow described by def using functions from reg.
func Build(def *Definition, reg *mflow.Registry) (*mflow.Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	tasks := make(map[string]*mflow.Task, len(def.Tasks))
	arg := func(v any) mflow.Arg {
		if ref, ok := refName(v); ok {
			return mflow.Ref(tasks[ref])
		}
		return mflow.Value(v)
	}

	for _, decl := range def.Tasks {
		args := make([]mflow.Arg, len(decl.Args))
		for i, v := range decl.Args {
			args[i] = arg(v)
		}
		opts := []mflow.TaskOption{mflow.Args(args...)}
		for _, key := range sortedKeys(decl.Kwargs) {
			opts = append(opts, mflow.Kwarg(key, arg(decl.Kwargs[key])))
		}

		task, err := reg.NewTask(decl.Name, decl.Func, opts...)
		if err != nil {
			return nil, fmt.Errorf("config: task %q: %w", decl.Name, err)
		}
		tasks[decl.Name] = task
	}

	outputs := make(map[string]*mflow.Task, len(def.Outputs))
	for tag, name := range def.Outputs {
		outputs[tag] = tasks[name]
	}
	return mflow.NewWorkflow(outputs)
}

// Options translates the run section into run options.
func (r Run) Options() ([]mflow.RunOption, error) {
	var opts []mflow.RunOption
	if r.Backend != "" {
		backend, err := mflow.ParseBackend(r.Backend)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mflow.WithBackend(backend))
	}
	if r.Workers != 0 {
		opts = append(opts, mflow.WithWorkers(r.Workers))
	}
	if r.FromScratch {
		opts = append(opts, mflow.FromScratch(true))
	}
	if r.PollInterval != "" {
		d, err := time.ParseDuration(r.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: poll_interval: %v", ErrInvalid, err)
		}
		opts = append(opts, mflow.WithPollInterval(d))
	}
	strategy, err := mflow.ParseErrorStrategy(r.ErrorStrategy)
	if err != nil {
		return nil, err
	}
	opts = append(opts, mflow.WithErrorStrategy(strategy))
	return opts, nil
}

// refName reports whether v is a reference table and returns the target.
func refName(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	name, ok := m["ref"].(string)
	return name, ok
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
