package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/sirupsen/logrus"
)

// jsonStore is the atomic JSON Store from spec.md §4.1: whole-file
// read/write of a JSON value with fsync-before-rename durability.
// Grounded on app/utils.py's atomic_save_json/load_json.
type jsonStore struct {
	log *logrus.Logger
}

func newJSONStore(log *logrus.Logger) *jsonStore {
	return &jsonStore{log: log}
}

// load reads path into dst. A missing file or malformed JSON both result
// in dst being left at its zero value; load never returns an error for
// either case, matching load_json's never-raise contract.
func (s *jsonStore) load(path string, dst any) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).WithField("path", path).Warn("failed to read json store file")
		}
		return
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.log.WithError(err).WithField("path", path).Error("failed to decode json store file")
	}
}

// atomicSave writes value to path via a temp file in the same directory,
// fsyncs it, then renames it over path. On any failure the temp file is
// removed and an IO-kind error is returned.
func (s *jsonStore) atomicSave(path string, value any) error {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agent.IOErr(err, "create directory for %s", path)
	}

	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return agent.IOErr(err, "create temp file for %s", path)
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "    ")
	if err := enc.Encode(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return agent.IOErr(err, "encode json for %s", path)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return agent.IOErr(err, "fsync temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return agent.IOErr(err, "close temp file for %s", path)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return agent.IOErr(err, "rename temp file into place for %s", path)
	}

	s.log.WithField("path", path).Debug("atomically saved json store file")
	return nil
}
