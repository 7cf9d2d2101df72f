package migrations

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

const initialSchemaFile = "001_initial_schema.sql"

//go:embed sql/*.sql
var embedded embed.FS

var (
	// MigrationsDir can be overridden in tests or by the application. When the schema
	// file is not found there, the embedded copy is used.
	MigrationsDir = ""
)

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	if MigrationsDir != "" {
		searchPaths := []string{
			filepath.Join(MigrationsDir, initialSchemaFile),
			filepath.Join("..", "..", MigrationsDir, initialSchemaFile),
			filepath.Join("..", MigrationsDir, initialSchemaFile),
		}

		for _, path := range searchPaths {
			schemaContent, err := os.ReadFile(path)
			if err == nil {
				return string(schemaContent), nil
			}
		}
	}

	schemaContent, err := embedded.ReadFile("sql/" + initialSchemaFile)
	if err != nil {
		return "", fmt.Errorf("could not find schema file in any location: %w", err)
	}
	return string(schemaContent), nil
}
