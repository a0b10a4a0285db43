package envdetect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestClosestWinsPixiOverDistantPyproject(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "project")
	notebooks := filepath.Join(project, "notebooks")
	require.NoError(t, os.MkdirAll(notebooks, 0o755))

	writeFile(t, project, "pyproject.toml", "[project]\nname = \"test\"")
	writeFile(t, notebooks, "pixi.toml", "[project]\nname = \"test\"")

	found, err := Detect(notebooks)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, KindPixiToml, found.Kind)
	assert.Equal(t, "conda:pixi", found.Kind.EnvSource())
}

func TestNoProjectFiles(t *testing.T) {
	found, err := Detect(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestPyprojectEnvSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[project]\nname = \"test\"")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "uv:pyproject", found.Kind.EnvSource())
}

func TestEnvironmentYmlEnvSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "environment.yml", "name: test")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "conda:env_yml", found.Kind.EnvSource())
}

func TestTiebreakWithinSameDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pixi.toml", "")
	writeFile(t, dir, "environment.yml", "")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, KindPixiToml, found.Kind)
}

func TestStopsAtGitBoundary(t *testing.T) {
	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	sub := filepath.Join(repo, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))
	writeFile(t, root, "pyproject.toml", "")

	found, err := Detect(sub)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestKindFilterExcludesPyproject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "")
	writeFile(t, dir, "pixi.toml", "")

	found, err := FindNearest(dir, []Kind{KindPixiToml, KindEnvironmentYml})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, KindPixiToml, found.Kind)
}

func TestParseManifestEnvironmentYml(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "environment.yml", ""+
		"name: test\n"+
		"channels:\n  - conda-forge\n  - defaults\n"+
		"dependencies:\n  - numpy\n  - python=3.12\n  - pip:\n    - requests\n")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)

	manifest, err := ParseManifest(found)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conda-forge", "defaults"}, manifest.Channels)
	assert.ElementsMatch(t, []string{"numpy", "python=3.12", "requests"}, manifest.Dependencies)
}

func TestParseManifestPyprojectToml(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[project]\nname = \"test\"\ndependencies = [\"requests>=2\", \"numpy\"]\n")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)

	manifest, err := ParseManifest(found)
	require.NoError(t, err)
	assert.Equal(t, []string{"requests>=2", "numpy"}, manifest.Dependencies)
}

func TestParseManifestPixiToml(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pixi.toml", "[dependencies]\nnumpy = \"1.26.*\"\npython = \"*\"\n")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)

	manifest, err := ParseManifest(found)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"numpy==1.26.*", "python"}, manifest.Dependencies)
}

func TestParseManifestMalformedYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "environment.yml", "not: [valid: yaml")

	found, err := Detect(dir)
	require.NoError(t, err)
	require.NotNil(t, found)

	manifest, err := ParseManifest(found)
	require.NoError(t, err)
	assert.Empty(t, manifest.Dependencies)
}

func TestDetectFromFilePathUsesParentDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "")
	notebookFile := filepath.Join(dir, "notebook.ipynb")
	writeFile(t, dir, "notebook.ipynb", "{}")

	found, err := Detect(notebookFile)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, KindPyprojectToml, found.Kind)
}
