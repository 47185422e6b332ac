// Package ghoutput publishes step outputs to GitHub Actions.
package ghoutput

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// EnvVar names the file GitHub Actions reads step outputs from.
const EnvVar = "GITHUB_OUTPUT"

// Write appends outputs to $GITHUB_OUTPUT. Outside Actions it does nothing.
func Write(values map[string]string) error {
	return Append(strings.TrimSpace(os.Getenv(EnvVar)), values)
}

// Append writes values to the output file at path, sorted by key.
// Multi-line values use the heredoc form with a random delimiter.
func Append(path string, values map[string]string) error {
	if path == "" || len(values) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", EnvVar, err)
	}
	defer func() { _ = f.Close() }()

	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := values[key]
		if strings.ContainsAny(value, "\r\n") {
			delim := "ghadelimiter_" + uuid.NewString()
			_, err = fmt.Fprintf(f, "%s<<%s\n%s\n%s\n", key, delim, value, delim)
		} else {
			_, err = fmt.Fprintf(f, "%s=%s\n", key, value)
		}
		if err != nil {
			return fmt.Errorf("write output %s: %w", key, err)
		}
	}
	return nil
}
