package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/assemble"
	"github.com/metalagman/percept/internal/run"
)

func useConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", path)
	return dir
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"lang=en", " scene = a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lang": "en", "scene": " a=b"}, got)

	_, err = parseVars([]string{"novalue"})
	require.Error(t, err)

	got, err = parseVars(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadInput(t *testing.T) {
	text, err := readInput([]string{"Alice", "waved."}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Alice waved.", text)

	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o644))
	text, err = readInput(nil, path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from file", text)

	text, err = readInput(nil, "-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	_, err = readInput([]string{"x"}, path, nil)
	require.Error(t, err)
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	useConfig(t, "")
	_, err := loadConfig()
	require.Error(t, err)
}

func TestLoadConfig_ReadsRetention(t *testing.T) {
	useConfig(t, `{"retention": {"keep_last": 5}, "llm": {"backend": "mock"}}`)
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retention.KeepLast)
	assert.Equal(t, "mock", cfg.LLM.Backend)
}

func TestPipelinesCmd_ListsEmbeddedTemplates(t *testing.T) {
	useConfig(t, `{}`)
	cmd := pipelinesCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "raw")
	assert.Contains(t, out.String(), "parallel")
}

func TestPromptsCmd(t *testing.T) {
	useConfig(t, `{}`)

	cmd := promptsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--template", "raw"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "=== ")

	cmd = promptsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--step", "no_such_step"})
	require.Error(t, cmd.Execute())
}

func TestRenderSummary(t *testing.T) {
	out, err := renderSummary(run.Result{
		ReportURL:       "/reports/r.html",
		DiagnosticsPath: "output/dye_vat/raw.json",
		Validity: assemble.Validity{
			Level:         assemble.LevelL1,
			Success:       true,
			ErrorsByLevel: map[string][]string{assemble.LevelL2: {"inference missing"}},
		},
	}, "weekly")
	require.NoError(t, err)
	assert.Contains(t, out, "weekly")
	assert.Contains(t, out, "/reports/r.html")
	assert.Contains(t, out, "inference missing")
}
