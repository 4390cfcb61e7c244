// Package envutils resolves configuration values that reference
// environment variables.
package envutils

import (
	"fmt"
	"os"
	"strings"
)

// ProcessEnvValue resolves a value of the form "env.NAME" against the
// process environment. Values without the prefix pass through unchanged.
func ProcessEnvValue(value string) (string, error) {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "env.") {
		return value, nil
	}
	envKey := strings.TrimSpace(strings.TrimPrefix(v, "env."))
	if envKey == "" {
		return "", fmt.Errorf("environment variable name missing in %q", value)
	}
	if envValue, ok := os.LookupEnv(envKey); ok {
		return envValue, nil
	}
	return "", fmt.Errorf("environment variable %s not found", envKey)
}
