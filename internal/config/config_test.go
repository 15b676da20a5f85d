package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpradana/mflow"
)

const tomlDef = `
[run]
backend = "multithread"
workers = 3
poll_interval = "20ms"
error_strategy = "continue"

[[tasks]]
name = "a"
func = "const"
args = [5]

[[tasks]]
name = "b"
func = "add"
args = [{ ref = "a" }, 7]

[outputs]
result = "b"
`

const yamlDef = `
run:
  backend: pipeline
tasks:
  - name: greeting
    func: const
    kwargs:
      value: hello
  - name: shout
    func: upper
    args:
      - ref: greeting
  - name: joined
    func: concat
    args:
      - ref: shout
      - world
    kwargs:
      sep: ", "
outputs:
  out: joined
`

func registry() *mflow.Registry {
	reg := mflow.NewRegistry()
	reg.RegisterBuiltins()
	return reg
}

func TestParseTOMLAndBuild(t *testing.T) {
	def, err := Parse([]byte(tomlDef), TOML)
	require.NoError(t, err)
	assert.Equal(t, "multithread", def.Run.Backend)
	assert.Equal(t, 3, def.Run.Workers)
	require.Len(t, def.Tasks, 2)

	wf, err := Build(def, registry())
	require.NoError(t, err)
	assert.Equal(t, 2, wf.Len())

	opts, err := def.Run.Options()
	require.NoError(t, err)

	res, err := wf.Run(context.Background(), opts...)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": int64(12)}, res.Outputs)
	assert.Equal(t, mflow.ThreadedParallel, res.Backend)
}

func TestParseYAMLAndBuild(t *testing.T) {
	def, err := Parse([]byte(yamlDef), YAML)
	require.NoError(t, err)

	wf, err := Build(def, registry())
	require.NoError(t, err)

	opts, err := def.Run.Options()
	require.NoError(t, err)

	res, err := wf.Run(context.Background(), opts...)
	require.NoError(t, err)
	assert.Equal(t, "HELLO, world", res.Outputs["out"])
	assert.Equal(t, mflow.PipelinedSequential, res.Backend)
}

func TestLoadPicksFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlDef), 0o644))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, def.Tasks, 2)

	_, err = Load(filepath.Join(dir, "flow.json"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestValidateRejectsForwardReference(t *testing.T) {
	def := &Definition{
		Tasks: []Task{
			{Name: "b", Func: "identity", Args: []any{map[string]any{"ref": "a"}}},
			{Name: "a", Func: "const", Args: []any{1}},
		},
		Outputs: map[string]string{"out": "b"},
	}
	err := def.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "not declared before")
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]*Definition{
		"no tasks": {Outputs: map[string]string{"x": "a"}},
		"duplicate": {
			Tasks:   []Task{{Name: "a", Func: "const"}, {Name: "a", Func: "const"}},
			Outputs: map[string]string{"x": "a"},
		},
		"missing func": {
			Tasks:   []Task{{Name: "a"}},
			Outputs: map[string]string{"x": "a"},
		},
		"no outputs": {
			Tasks: []Task{{Name: "a", Func: "const"}},
		},
		"unknown output": {
			Tasks:   []Task{{Name: "a", Func: "const"}},
			Outputs: map[string]string{"x": "zzz"},
		},
	}
	for name, def := range cases {
		def := def
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, def.Validate(), ErrInvalid)
		})
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	def := &Definition{
		Run:     Run{Backend: "gpu"},
		Tasks:   []Task{{Name: "a", Func: "const", Args: []any{1}}},
		Outputs: map[string]string{"x": "a"},
	}
	require.ErrorIs(t, def.Validate(), mflow.ErrUnknownBackend)
}

func TestBuildUnknownFunction(t *testing.T) {
	def := &Definition{
		Tasks:   []Task{{Name: "a", Func: "nope"}},
		Outputs: map[string]string{"x": "a"},
	}
	_, err := Build(def, registry())
	require.ErrorIs(t, err, mflow.ErrUnknownFunc)
}

func TestRefTableWithExtraKeysIsLiteral(t *testing.T) {
	v := map[string]any{"ref": "a", "other": 1}
	_, ok := refName(v)
	assert.False(t, ok)
}
