package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogfmtFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "logfmt", "info")
	require.NoError(t, err)

	level.Debug(logger).Log("msg", "hidden")
	level.Info(logger).Log("msg", "done", "node", "a")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=done")
	assert.Contains(t, out, "node=a")
	assert.Contains(t, out, "level=info")
	assert.Contains(t, out, "ts=")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "debug")
	require.NoError(t, err)

	level.Debug(logger).Log("msg", "waiting", "inflight", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &record))
	assert.Equal(t, "waiting", record["msg"])
	assert.Equal(t, "debug", record["level"])
	assert.EqualValues(t, 2, record["inflight"])
}

func TestUnknownFormatAndLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "xml", "info")
	require.Error(t, err)

	_, err = New(&bytes.Buffer{}, "logfmt", "loud")
	require.Error(t, err)
}

func TestNoneDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "", "none")
	require.NoError(t, err)

	level.Error(logger).Log("msg", "boom")
	assert.Empty(t, buf.String())
}
