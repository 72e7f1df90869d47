package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "researcher.yaml"), []byte(`
name: researcher
capabilities: [search, summarize]
prompt: You research topics and report findings.
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coder.yml"), []byte(`
name: coder
capabilities: [edit, test]
prompt: You write and fix code.
`), 0644))
	// Non-YAML files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0644))

	reg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	names := []string{}
	for _, d := range reg.All() {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"researcher", "coder"}, names)
}

func TestLoadDirMissing(t *testing.T) {
	reg, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestLoadDirRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(`
name: ""
prompt: no name here
`), 0644))

	_, err := LoadDir(dir)
	assert.Error(t, err)
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	reg, err := NewRegistry([]Descriptor{{Name: "a", Prompt: "p"}})
	require.NoError(t, err)

	got := reg.All()
	got[0].Name = "mutated"

	assert.Equal(t, "a", reg.All()[0].Name, "mutating a snapshot must not affect the registry")
}
