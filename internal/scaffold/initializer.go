package scaffold

import (
	"embed"
	"fmt"
	"os"

	"github.com/dyluth/accord/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	ConfigFile = "accord.yml"
	EnvFile    = "app.env"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes a starter accord.yml and app.env into the working directory.
// If force is true, existing files are replaced.
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	return validateCreatedFiles()
}

// handleForce removes existing files if --force was specified
func handleForce() error {
	for _, name := range []string{ConfigFile, EnvFile} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		fmt.Printf("⚠️  Removing existing %s...\n", name)
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

func getTemplateFiles() ([]FileInfo, error) {
	files := []FileInfo{}

	for _, tmpl := range []struct {
		template string
		path     string
		perm     os.FileMode
	}{
		{"templates/accord.yml.tmpl", ConfigFile, 0644},
		// Carries the JWT secret.
		{"templates/app.env.tmpl", EnvFile, 0600},
	} {
		content, err := templatesFS.ReadFile(tmpl.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", tmpl.path, err)
		}
		files = append(files, FileInfo{Path: tmpl.path, Content: content, Permissions: tmpl.perm})
	}

	return files, nil
}

// writeFiles writes all template files to disk
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// validateCreatedFiles loads the written accord.yml the same way run does
func validateCreatedFiles() error {
	if _, err := config.Load(ConfigFile); err != nil {
		return fmt.Errorf("created %s is not valid: %w", ConfigFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized accord connector!")
	fmt.Println("\nCreated:")
	fmt.Printf("  ✓ %s\n", ConfigFile)
	fmt.Printf("  ✓ %s\n", EnvFile)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Set participant_id, address and the catalog in %s\n", ConfigFile)
	fmt.Printf("  2. Replace JWT_SECRET in %s and keep it out of version control\n", EnvFile)
	fmt.Println("  3. Run 'accord run' to start the connector")
}
