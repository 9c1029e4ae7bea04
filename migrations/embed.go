// Package migrations embeds the schema for each supported SQL driver.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// For returns the migration files for driver. When dir is non-empty the
// files are read from dir/<driver> on disk instead of the embedded copy.
func For(driver, dir string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(filepath.Join(dir, driver)), nil
	}
	sub, err := fs.Sub(files, driver)
	if err != nil {
		return nil, fmt.Errorf("no migrations for driver %q: %w", driver, err)
	}
	return sub, nil
}
