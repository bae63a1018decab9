package swpins

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Store locates swpin files under one directory:
//
//	<dir>/core.json
//	<dir>/channels/<channel>.json
//	<dir>/cluster/<machine>.json
type Store struct {
	Dir string
}

func (s Store) path(kind Kind, name string) string {
	switch kind {
	case KindCore:
		return filepath.Join(s.Dir, "core.json")
	case KindChannel:
		return filepath.Join(s.Dir, "channels", url.PathEscape(name)+".json")
	default:
		return filepath.Join(s.Dir, "cluster", url.PathEscape(name)+".json")
	}
}

// ReadRecords loads a swpin file. A missing file is an empty record set.
// Comments and trailing commas are tolerated since the files are often
// edited by hand.
func ReadRecords(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	recs := map[string]Record{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return recs, nil
}

// WriteRecords replaces path atomically with the given records.
func WriteRecords(path string, recs map[string]Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create swpins directory: %w", err)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal swpins: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
