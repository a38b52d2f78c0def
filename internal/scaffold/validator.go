package scaffold

import (
	"fmt"
	"os"
	"strings"
)

// CheckExisting refuses to initialize over an existing accord.yml or app.env.
func CheckExisting() error {
	var found []string
	for _, name := range []string{ConfigFile, EnvFile} {
		if _, err := os.Stat(name); err == nil {
			found = append(found, name)
		}
	}

	switch len(found) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("connector already initialized\n\nFound existing: %s\n%s", found[0], forceHint)
	default:
		return fmt.Errorf("connector already initialized\n\nFound existing files:\n  - %s\n\n%s",
			strings.Join(found, "\n  - "), forceHint)
	}
}

const forceHint = "Use 'accord init --force' to reinitialize (this will overwrite existing configuration)"
