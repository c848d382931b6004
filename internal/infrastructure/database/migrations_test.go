package database

import (
	"io/fs"
	"testing"
	"testing/fstest"
)

func useMigrations(t *testing.T, fsys fs.FS) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
	MigrationsFS, MigrationsDir = fsys, "."
}

func TestMigrate(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260301_090000_first.up.sql":  {Data: []byte("CREATE TABLE first (id TEXT PRIMARY KEY);")},
		"20260302_090000_second.up.sql": {Data: []byte("CREATE TABLE second (id TEXT PRIMARY KEY);")},
		"README.md":                     {Data: []byte("ignored")},
	})

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := t.Context()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"first", "second"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	versions, err := db.AppliedVersions(ctx)
	if err != nil {
		t.Fatalf("AppliedVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[0] != "20260301_090000" {
		t.Errorf("AppliedVersions() = %v", versions)
	}

	// Re-running is a no-op; re-executing CREATE TABLE would fail.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260301_090000_ok.up.sql":  {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"20260302_090000_bad.up.sql": {Data: []byte("CREATE TABLE broken (;")},
	})

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(t.Context()); err == nil {
		t.Fatal("Migrate() expected error for bad SQL")
	}
	versions, err := db.AppliedVersions(t.Context())
	if err != nil {
		t.Fatalf("AppliedVersions() error = %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("applied = %v, want only the first migration", versions)
	}
}

func TestMigrate_NoMigrations(t *testing.T) {
	useMigrations(t, nil)

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantOK      bool
	}{
		{"20260301_090000_directory.up.sql", "20260301_090000", "directory", true},
		{"20260301_090000_multi_word_name.up.sql", "20260301_090000", "multi_word_name", true},
		{"20260301_090000.up.sql", "20260301_090000", "", true},
		{"20260301_090000_directory.down.sql", "", "", false},
		{"20260301_090000_directory.sql", "", "", false},
		{"notes.txt", "", "", false},
		{"single.up.sql", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK || version != tt.wantVersion || name != tt.wantName {
				t.Errorf("parseMigrationFilename(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.filename, version, name, ok, tt.wantVersion, tt.wantName, tt.wantOK)
			}
		})
	}
}
