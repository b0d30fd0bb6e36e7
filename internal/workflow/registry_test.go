package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateYAML(id, version string) string {
	return fmt.Sprintf(`id: %s
version: %q
steps:
  - id: classify
    type: analysis
    agent_id: classifier
agents:
  - id: classifier
    type: analysis
    capabilities:
      - name: text
        type: text_analysis
`, id, version)
}

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinitionStrictDecoding(t *testing.T) {
	_, err := LoadDefinition(strings.NewReader("id: ok\nsteps: []\nagents: []\nbogus_field: true\n"))
	require.Error(t, err, "unknown fields are rejected")

	_, err = LoadDefinition(strings.NewReader("steps: []\nagents: []\n"))
	require.Error(t, err)
	assert.Equal(t, CodeValidationError, AsError(err).Code, "missing id is a validation error")

	def, err := LoadDefinition(strings.NewReader(templateYAML("triage", "1.0.0")))
	require.NoError(t, err)
	assert.Equal(t, "triage", def.ID)
	assert.Equal(t, "1.0.0", def.Version)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, StepAnalysis, def.Steps[0].Type)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "triage.yaml", templateYAML("triage", "1.0.0"))
	writeTemplate(t, dir, "notes.txt", "not a template")

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDirectory(dir))

	entry, ok := r.Find("triage", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, "triage@1.0.0", entry.Key)
	assert.NotEmpty(t, entry.ContentHash)
	assert.Equal(t, filepath.Join(dir, "triage.yaml"), entry.SourcePath)
	assert.Len(t, r.List(), 1, "non-YAML files are ignored")
}

func TestLoadDirectoryPartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "good.yaml", templateYAML("good", "1.0.0"))
	// self-dependent step fails validation at load time
	writeTemplate(t, dir, "bad.yaml", `id: bad
steps:
  - id: loop
    type: analysis
    agent_id: classifier
    dependencies: [loop]
agents:
  - id: classifier
    type: analysis
`)

	r := NewRegistry(nil)
	err := r.LoadDirectory(dir)
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	require.Len(t, loadErr.Failures, 1)
	assert.Contains(t, loadErr.Failures[0], "bad.yaml")

	_, ok := r.Find("good", "")
	assert.True(t, ok, "valid templates survive a partial failure")
	_, ok = r.Find("bad", "")
	assert.False(t, ok)
}

func TestFindVersionFallback(t *testing.T) {
	r := NewRegistry(nil)
	for _, version := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		def, err := LoadDefinition(strings.NewReader(templateYAML("triage", version)))
		require.NoError(t, err)
		require.NoError(t, r.Register(def))
	}

	entry, ok := r.Find("triage", "1.2.0")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", entry.Definition.Version)

	// Empty version falls back to the highest key.
	entry, ok = r.Find("triage", "")
	require.True(t, ok)
	assert.Equal(t, "triage@1.2.0", entry.Key)

	_, ok = r.Find("triage", "9.9.9")
	assert.False(t, ok)
	_, ok = r.Find("", "")
	assert.False(t, ok)
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Definition{ID: "empty"})
	require.Error(t, err)
	assert.Equal(t, CodeValidationError, AsError(err).Code)
	assert.Empty(t, r.List())
}

func TestListSortedSummaries(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"zeta", "alpha"} {
		def, err := LoadDefinition(strings.NewReader(templateYAML(id, "1.0.0")))
		require.NoError(t, err)
		require.NoError(t, r.Register(def))
	}

	summaries := r.List()
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].ID)
	assert.Equal(t, "zeta", summaries[1].ID)
}

func TestWatchReloadsEditedTemplate(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "triage.yaml", templateYAML("triage", "1.0.0"))

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDirectory(dir))
	require.NoError(t, r.Watch(dir))
	defer r.Close()

	entry, ok := r.Find("triage", "1.0.0")
	require.True(t, ok)
	originalHash := entry.ContentHash

	require.NoError(t, os.WriteFile(path, []byte(templateYAML("triage", "1.0.0")+"description: updated\n"), 0o644))

	require.Eventually(t, func() bool {
		entry, ok := r.Find("triage", "1.0.0")
		return ok && entry.ContentHash != originalHash
	}, 2*time.Second, 10*time.Millisecond)

	// An invalid edit keeps the previous entry.
	require.NoError(t, os.WriteFile(path, []byte("id: triage\nsteps: []\nagents: []\n"), 0o644))
	assert.Never(t, func() bool {
		_, ok := r.Find("triage", "1.0.0")
		return !ok
	}, 200*time.Millisecond, 20*time.Millisecond)
}
