package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/colonylab/codetravail-bot/internal/defaults"
)

// runInit prepares a working directory: the logs and data directories
// plus example .env and config.yaml files. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initialisation de %s\n", dir)

	for _, sub := range []string{"logs", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		fmt.Fprintf(w, "  ✓ %s/\n", path)
	}

	// Both files may end up holding passwords and tokens.
	for _, f := range []struct {
		name    string
		content []byte
	}{
		{".env", defaults.EnvFile},
		{"config.yaml", defaults.ConfigYAML},
	} {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, 0o600)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (existe déjà)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Renseignez TELEGRAM_BOT_TOKEN ou les variables EMAIL_* dans .env, puis lancez:")
	fmt.Fprintln(w, "  codetravail --check --mode telegram|email|both")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
