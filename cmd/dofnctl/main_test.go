package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const script = `{"type":"element","key":"k","value":"a","timestamp":10}
{"type":"element","key":"k","value":"b","timestamp":20}
{"type":"watermark","timestamp":30}
`

func execute(t *testing.T, args ...string) (string, error) {
	command := NewRootCommand()
	out := &bytes.Buffer{}
	command.SetOut(out)
	command.SetErr(&bytes.Buffer{})
	command.SetArgs(args)
	err := command.Execute()
	return out.String(), err
}

func writeScript(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestReplay(t *testing.T) {
	out, err := execute(t, "replay", "--script", writeScript(t, script+`{"type":"drain"}`+"\n"))
	require.NoError(t, err)
	assert.Contains(t, out, `"value":"a"`)
	assert.Contains(t, out, `"value":"b"`)
	assert.Contains(t, out, `{"type":"watermark","timestamp":9223372036854775}`)
}

func TestReplay_unknownFn(t *testing.T) {
	_, err := execute(t, "replay", "--fn", "sum", "--script", writeScript(t, script))
	assert.ErrorContains(t, err, "unknown dofn sum")
}

func TestRun(t *testing.T) {
	out, err := execute(t, "run", "--fn", "buffer", "--delay", "5ms", "--script", writeScript(t, script))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, out, `"value":["a","b"]`)
	assert.Equal(t, `{"type":"watermark","timestamp":9223372036854775}`, lines[len(lines)-1])
}

func TestConsume_rejectsEnrich(t *testing.T) {
	_, err := execute(t, "consume", "--fn", "enrich", "--view", "rates")
	assert.ErrorContains(t, err, "enrich can't run")
}

func TestConsume_needsTopics(t *testing.T) {
	_, err := execute(t, "consume")
	assert.ErrorContains(t, err, "at least one topic")
}

func TestUnknownProfile(t *testing.T) {
	_, err := execute(t, "--profile", "block", "version")
	assert.ErrorContains(t, err, "unknown profile block")
}
