package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLaterWins(t *testing.T) {
	got := Merge(Vars{"A": "1", "B": "1"}, nil, Vars{"B": "2"})
	assert.Equal(t, Vars{"A": "1", "B": "2"}, got)
}

func TestFromList(t *testing.T) {
	got := FromList([]string{"A=1", "B=x=y", "broken", "=nokey"})
	assert.Equal(t, Vars{"A": "1", "B": "x=y"}, got)
}

func TestEnvironSorted(t *testing.T) {
	v := Vars{"PORT": "8001", "APP": "x"}
	assert.Equal(t, []string{"APP=x", "PORT=8001"}, v.Environ())
}

func TestCloneIsIndependent(t *testing.T) {
	v := Vars{"A": "1"}
	c := v.Clone()
	c["A"] = "2"
	assert.Equal(t, "1", v["A"])
}

func TestParseInlineVars(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Vars
		wantErr bool
	}{
		{name: "empty", in: "  ", want: Vars{}},
		{name: "pairs", in: "PORT=9000, MODE = prod", want: Vars{"PORT": "9000", "MODE": "prod"}},
		{name: "trailing comma", in: "A=1,", want: Vars{"A": "1"}},
		{name: "missing equals", in: "A", wantErr: true},
		{name: "empty key", in: "=1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInlineVars(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.env"), []byte("PORT=8001\nNAME=a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.env"), []byte("# comment\nNAME=\"b\"\n"), 0o600))

	got, err := LoadEnvFiles(dir, []string{"a.env", "", "b.env"})
	require.NoError(t, err)
	assert.Equal(t, Vars{"PORT": "8001", "NAME": "b"}, got)

	_, err = LoadEnvFiles(dir, []string{"missing.env"})
	require.Error(t, err)
}

func TestLoadVarFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "vars.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("PORT: 9001\nDEBUG: true\nEMPTY:\n"), 0o600))
	got, err := LoadVarFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, Vars{"PORT": "9001", "DEBUG": "true", "EMPTY": ""}, got)

	envPath := filepath.Join(dir, "vars.env")
	require.NoError(t, os.WriteFile(envPath, []byte("PORT=9002\n"), 0o600))
	got, err = LoadVarFile(envPath)
	require.NoError(t, err)
	assert.Equal(t, Vars{"PORT": "9002"}, got)
}
