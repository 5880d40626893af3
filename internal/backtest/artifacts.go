package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic writes bytes via a temp file and rename so a crashed run never
// leaves a truncated artifact behind.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// WriteJSONL writes one JSON object per line. An empty slice still produces
// the (empty) file, so downstream consumers can tell "ran" from "missing".
func WriteJSONL[T any](path string, rows []T) error {
	var buf []byte
	for i := range rows {
		line, err := json.Marshal(rows[i])
		if err != nil {
			return fmt.Errorf("marshal row %d of %s: %w", i, path, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return writeAtomic(path, buf)
}

// WriteJSON writes an indented JSON document.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return writeAtomic(path, append(data, '\n'))
}
