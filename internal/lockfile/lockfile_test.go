package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPyproject = `
[project]
name = "llm-council"
version = "0.1.0"
requires-python = ">=3.10"
dependencies = [
    "fastapi>=0.115.0",
    "Uvicorn[standard] >= 0.32.0",
    "httpx>=0.27.0 ; python_version >= '3.10'",
]

[dependency-groups]
dev = ["pytest>=8"]
`

const testUvLock = `
version = 1
requires-python = ">=3.10"

[[package]]
name = "fastapi"
version = "0.115.6"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "httpx"
version = "0.28.1"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "llm-council"
version = "0.1.0"
source = { virtual = "." }
dependencies = [
    { name = "fastapi" },
    { name = "httpx" },
    { name = "uvicorn", extra = ["standard"] },
]

[package.metadata]
requires-dist = [
    { name = "fastapi", specifier = ">=0.115.0" },
    { name = "httpx", specifier = ">=0.27.0" },
    { name = "uvicorn", extras = ["standard"], specifier = ">=0.32.0" },
]

[package.metadata.requires-dev]
dev = [{ name = "pytest", specifier = ">=8" }]

[[package]]
name = "pytest"
version = "8.3.4"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "uvicorn"
version = "0.34.0"
source = { registry = "https://pypi.org/simple" }
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	return dir
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		raw        string
		name       string
		constraint string
	}{
		{"fastapi>=0.115.0", "fastapi", ">=0.115.0"},
		{"Uvicorn[standard] >= 0.32.0", "uvicorn", "[standard]>=0.32.0"},
		{"python_dotenv (>=1.0, <2)", "python-dotenv", "<2,>=1.0"},
		{"httpx ; python_version > '3.9'", "httpx", ""},
		{"pkg @ https://example.com/pkg.whl", "pkg", "@ <direct>"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			req, err := ParseRequirement(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.name, req.Name)
			assert.Equal(t, tt.constraint, req.Constraint())
		})
	}

	for _, raw := range []string{"", " ; python_version > '3'", "pkg @ ", "pkg>=1 @ https://x"} {
		_, err := ParseRequirement(raw)
		assert.Error(t, err, raw)
	}
}

func TestVerifyPythonMatch(t *testing.T) {
	dir := writeFiles(t, map[string]string{"pyproject.toml": testPyproject, "uv.lock": testUvLock})

	lock, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))
	require.NoError(t, err)

	assert.Equal(t, []Package{
		{Name: "fastapi", Version: "0.115.6"},
		{Name: "httpx", Version: "0.28.1"},
		{Name: "pytest", Version: "8.3.4"},
		{Name: "uvicorn", Version: "0.34.0"},
	}, lock.Packages)
	assert.NoError(t, lock.Digest.Validate())
}

func TestVerifyPythonMismatch(t *testing.T) {
	manifest := `
[project]
name = "llm-council"
dependencies = ["fastapi>=0.116.0", "httpx>=0.27.0", "openai>=1.0"]
[dependency-groups]
dev = ["pytest>=8"]
`
	dir := writeFiles(t, map[string]string{"pyproject.toml": manifest, "uv.lock": testUvLock})

	_, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMismatch))
	assert.True(t, IsMismatch(err))

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"openai"}, mismatch.Missing)
	assert.Equal(t, []string{"uvicorn"}, mismatch.Extra)
	assert.Equal(t, []Change{{Name: "fastapi", Manifest: ">=0.116.0", Lock: ">=0.115.0"}}, mismatch.Changed)
	assert.Contains(t, err.Error(), "not locked: openai")
}

func TestVerifyPythonMissingLock(t *testing.T) {
	dir := writeFiles(t, map[string]string{"pyproject.toml": testPyproject})

	_, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))
	require.ErrorIs(t, err, ErrLockMissing)
}

func TestVerifyPythonLockWithoutProject(t *testing.T) {
	lock := "version = 1\n[[package]]\nname = \"fastapi\"\nversion = \"0.115.6\"\n"
	dir := writeFiles(t, map[string]string{"pyproject.toml": testPyproject, "uv.lock": lock})

	_, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))
	require.ErrorIs(t, err, ErrMismatch)
}

func TestVerifyNode(t *testing.T) {
	manifest := `{"dependencies": {"react": "^18.3.1"}, "devDependencies": {"vite": "^5.4.0"}}`
	lock := `{
  "lockfileVersion": 3,
  "packages": {
    "": {"dependencies": {"react": "^18.3.1"}, "devDependencies": {"vite": "^5.4.0"}},
    "node_modules/react": {"version": "18.3.1"},
    "node_modules/vite": {"version": "5.4.11"},
    "node_modules/vite/node_modules/esbuild": {"version": "0.21.5"}
  }
}`

	t.Run("match", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{"package.json": manifest, "package-lock.json": lock})
		got, err := VerifyNode(dir)
		require.NoError(t, err)
		assert.Equal(t, []Package{{Name: "react", Version: "18.3.1"}, {Name: "vite", Version: "5.4.11"}}, got.Packages)
	})

	t.Run("mismatch", func(t *testing.T) {
		changed := `{"dependencies": {"react": "^19.0.0"}, "devDependencies": {"vite": "^5.4.0"}}`
		dir := writeFiles(t, map[string]string{"package.json": changed, "package-lock.json": lock})
		_, err := VerifyNode(dir)
		require.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("no lock", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{"package.json": manifest})
		got, err := VerifyNode(dir)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.False(t, HasNodeLock(dir))
	})
}

func TestDiff(t *testing.T) {
	before := []Package{{"fastapi", "0.115.6"}, {"httpx", "0.27.2"}, {"uvicorn", "0.34.0"}}
	after := []Package{{"fastapi", "0.115.6"}, {"httpx", "0.28.1"}, {"openai", "1.58.1"}}

	report := Diff(before, after)
	assert.False(t, report.Empty())
	assert.Equal(t, []Package{{"openai", "1.58.1"}}, report.Added)
	assert.Equal(t, []Package{{"uvicorn", "0.34.0"}}, report.Removed)
	assert.Equal(t, []Change{{Name: "httpx", Manifest: "0.27.2", Lock: "0.28.1"}}, report.Changed)

	assert.True(t, Diff(before, before).Empty())
}

const extrasUvLock = `
version = 1

[[package]]
name = "council"
version = "0.1.0"
source = { editable = "." }

[package.optional-dependencies]
test = [{ name = "pytest" }]

[package.metadata]
requires-dist = [
    { name = "fastapi", specifier = ">=0.115.0" },
    { name = "pytest", marker = "extra == 'test'", specifier = ">=8" },
    { name = "pytest-cov", marker = "extra == 'test' and sys_platform == 'linux'" },
]
provides-extras = ["test"]

[package.metadata.requires-dev]
dev = [{ name = "ruff", specifier = ">=0.6" }]

[[package]]
name = "fastapi"
version = "0.115.6"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "pytest"
version = "8.3.4"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "pytest-cov"
version = "6.0.0"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "ruff"
version = "0.8.4"
source = { registry = "https://pypi.org/simple" }
`

func TestVerifyPythonOptionalAndLegacyDev(t *testing.T) {
	manifest := `
[project]
name = "council"
dependencies = ["fastapi>=0.115.0"]

[project.optional-dependencies]
Test = ["pytest>=8", "pytest_cov; sys_platform == 'linux'"]

[tool.uv]
dev-dependencies = ["ruff>=0.6"]
`
	dir := writeFiles(t, map[string]string{"pyproject.toml": manifest, "uv.lock": extrasUvLock})

	lock, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))
	require.NoError(t, err)
	assert.Len(t, lock.Packages, 4)

	t.Run("extra moved to main dependencies", func(t *testing.T) {
		moved := `
[project]
name = "council"
dependencies = ["fastapi>=0.115.0", "pytest>=8"]

[project.optional-dependencies]
test = ["pytest_cov; sys_platform == 'linux'"]

[tool.uv]
dev-dependencies = ["ruff>=0.6"]
`
		dir := writeFiles(t, map[string]string{"pyproject.toml": moved, "uv.lock": extrasUvLock})
		_, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))

		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, []string{"pytest"}, mismatch.Missing)
		assert.Equal(t, []string{"extra:test:pytest"}, mismatch.Extra)
	})

	t.Run("legacy dev dependency dropped", func(t *testing.T) {
		dropped := `
[project]
name = "council"
dependencies = ["fastapi>=0.115.0"]

[project.optional-dependencies]
test = ["pytest>=8", "pytest-cov ; sys_platform == 'linux'"]
`
		dir := writeFiles(t, map[string]string{"pyproject.toml": dropped, "uv.lock": extrasUvLock})
		_, err := VerifyPython(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "uv.lock"))

		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, []string{"dev:ruff"}, mismatch.Extra)
		assert.Empty(t, mismatch.Missing)
	})
}
