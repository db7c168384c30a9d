// Package capfile persists and reloads one upstream server's discovered
// tool descriptors, so the registry can be seeded on restart before a
// fresh discovery completes. Writes are atomic (temp file + rename) to
// guarantee a reader never observes a torn write, unlike the teacher's
// plain os.WriteFile-based loader.
package capfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"magictunnel/internal/transport"
	"magictunnel/pkg/logging"
)

func pathFor(dir, serverName string) string {
	return filepath.Join(dir, serverName+".json")
}

// Write atomically serializes tools as the capability file for
// serverName under dir, overwriting any previous file.
func Write(dir, serverName string, tools []transport.ToolDescriptor) error {
	if err := WriteAtomicJSON(pathFor(dir, serverName), tools); err != nil {
		return err
	}
	logging.Debug("Capfile", "wrote capability file for %s (%d tools)", serverName, len(tools))
	return nil
}

// Read loads the capability file for serverName under dir. Returns
// (nil, nil) if no file exists yet, so callers can treat "never
// discovered" and "discovered, empty" distinctly if they need to.
func Read(dir, serverName string) ([]transport.ToolDescriptor, error) {
	path := pathFor(dir, serverName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read capability file %s: %w", path, err)
	}

	var tools []transport.ToolDescriptor
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("failed to parse capability file %s: %w", path, err)
	}
	return tools, nil
}

// WriteAtomicJSON marshals v as indented JSON and writes it to path via
// a temp file in the same directory followed by os.Rename, so a reader
// never observes a partially written file. Used by capfile for tool
// descriptors and by internal/authflow for registered-client and token
// records, which need the identical atomicity guarantee.
func WriteAtomicJSON(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// ReadJSON reads and unmarshals path into v. Returns a *os.PathError
// wrapping os.ErrNotExist when the file does not exist, unlike Read,
// since authflow's callers need to distinguish "missing" themselves.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
