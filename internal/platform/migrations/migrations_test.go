package migrations

import (
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := files.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}

	require.Equal(t, len(ups), len(downs), "every up migration needs a matching down migration")
	for version := range ups {
		require.True(t, downs[version], "missing down migration for %s", version)
	}
}

func TestEmbeddedMigrationsCoverAllArenaTables(t *testing.T) {
	wantSubstrings := []string{
		"arena_agents",
		"arena_challenges",
		"arena_matches",
		"arena_ratings_log",
		"http_audit_log",
	}

	entries, err := files.ReadDir("migrations")
	require.NoError(t, err)

	var allNames []string
	for _, entry := range entries {
		allNames = append(allNames, entry.Name())
	}

	for _, want := range wantSubstrings {
		found := false
		for _, name := range allNames {
			if strings.Contains(name, want) {
				found = true
				break
			}
		}
		require.True(t, found, "no migration file mentions %s", want)
	}
}

func TestEmbeddedMigrationContentsCreateExpectedTable(t *testing.T) {
	entries, err := files.ReadDir("migrations")
	require.NoError(t, err)

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		contents, err := files.ReadFile(path.Join("migrations", entry.Name()))
		require.NoError(t, err)
		require.Contains(t, strings.ToUpper(string(contents)), "CREATE TABLE")
	}
}
