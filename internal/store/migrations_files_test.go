package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationFilePattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

func TestMigrationsPairUpAndDownPerVersion(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	require.NoError(t, err)

	byVersion := map[string]map[string]bool{}
	var upSQL strings.Builder
	for _, entry := range entries {
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		require.False(t, byVersion[version][direction], "duplicate %s file for version %s", direction, version)
		byVersion[version][direction] = true

		if direction == "up" {
			body, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
			require.NoError(t, err)
			upSQL.Write(body)
		}
	}

	versions := make([]string, 0, len(byVersion))
	for version, dirs := range byVersion {
		assert.True(t, dirs["up"] && dirs["down"], "version %s needs both up and down files", version)
		versions = append(versions, version)
	}
	sort.Strings(versions)
	assert.Equal(t, []string{"0001", "0002", "0003"}, versions)

	// Every table the stores read or write has to be created by some up file.
	for _, table := range []string{
		"roles", "users", "revoked_access_tokens",
		"members", "baptisms", "weddings",
		"archives", "palo_high_water", "action_logs",
	} {
		assert.Contains(t, upSQL.String(), "CREATE TABLE IF NOT EXISTS "+table+" ", "no migration creates %s", table)
	}
}
