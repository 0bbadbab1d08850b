package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnv expands ${VAR} and ${VAR:-default} references in string
// fields. A reference without a default whose variable is unset is an error,
// which aborts startup.
func interpolateEnv(input string) (string, error) {
	var missing []string

	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return groups[3]
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
