package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInitialSchema_Embedded(t *testing.T) {
	original := MigrationsDir
	defer func() { MigrationsDir = original }()
	MigrationsDir = ""

	schema, err := GetInitialSchema()
	require.NoError(t, err)

	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS scheduled_messages")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS credentials")
	assert.Contains(t, schema, "idx_scheduled_status_time ON scheduled_messages(status, scheduled_time)")
}

func TestGetInitialSchema_OverrideDir(t *testing.T) {
	original := MigrationsDir
	defer func() { MigrationsDir = original }()

	tmpDir := t.TempDir()
	custom := "CREATE TABLE custom (id INTEGER);"
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, initialSchemaFile), []byte(custom), 0644))

	MigrationsDir = tmpDir
	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Equal(t, custom, schema)
}

func TestGetInitialSchema_MissingOverrideFallsBack(t *testing.T) {
	original := MigrationsDir
	defer func() { MigrationsDir = original }()

	MigrationsDir = filepath.Join(t.TempDir(), "does-not-exist")
	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Contains(t, schema, "scheduled_messages")
}
