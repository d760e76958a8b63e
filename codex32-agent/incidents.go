package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// incidentLog is the append-only NDJSON file from spec.md §4.6. tail only
// ever reads a bounded window of the file from the end, never the whole
// file, per the spec's memory guarantee — the Go analogue of the source's
// collections.deque(f, maxlen=limit) line tail, generalized to harpoon's
// RingBuffer idiom (logs.go) of keeping only the most recent N entries.
type incidentLog struct {
	mu   sync.Mutex
	path string
	log  *logrus.Logger
}

func newIncidentLog(path string, log *logrus.Logger) *incidentLog {
	return &incidentLog{path: path, log: log}
}

// Append writes one Incident as a single NDJSON line.
func (l *incidentLog) Append(inc agent.Incident) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if inc.IncidentID == "" {
		inc.IncidentID = fmt.Sprintf("%s-%d-%s", inc.BotID, time.Now().Unix(), uuid.NewString()[:8])
	}
	if inc.CreatedAt == "" {
		inc.CreatedAt = agent.Timestamp()
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return agent.IOErr(err, "create incident log directory")
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return agent.IOErr(err, "open incident log")
	}
	defer f.Close()

	line, err := json.Marshal(inc)
	if err != nil {
		return agent.IOErr(err, "marshal incident")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return agent.IOErr(err, "append incident line")
	}
	return nil
}

// readTailChunkSize is the block size used to scan backward from the end
// of the incident log looking for enough newlines to satisfy a Tail
// request, so Tail never needs to load the entire file into memory.
const readTailChunkSize = 64 * 1024

// Tail returns up to the last `limit` incidents, oldest first. Malformed
// lines are skipped rather than aborting the read.
func (l *incidentLog) Tail(limit int) ([]agent.Incident, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agent.IOErr(err, "open incident log")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, agent.IOErr(err, "stat incident log")
	}

	lines, err := tailLines(f, info.Size(), limit)
	if err != nil {
		return nil, agent.IOErr(err, "read incident log tail")
	}

	out := make([]agent.Incident, 0, len(lines))
	for _, line := range lines {
		var inc agent.Incident
		if err := json.Unmarshal([]byte(line), &inc); err != nil {
			l.log.WithError(err).Warn("skipping malformed incident log line")
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// tailLines scans backward in fixed-size chunks from the end of f,
// growing an in-memory window only as large as needed to contain `limit`
// complete lines, and returns them in forward (oldest-first) order. It
// never reads more of the file than that window requires.
func tailLines(f *os.File, size int64, limit int) ([]string, error) {
	pos := size
	window := make([]byte, 0, readTailChunkSize)

	for {
		complete := completeLines(window, pos == 0)
		if len(complete) >= limit || pos == 0 {
			if len(complete) > limit {
				complete = complete[len(complete)-limit:]
			}
			return complete, nil
		}

		chunkSize := int64(readTailChunkSize)
		if chunkSize > pos {
			chunkSize = pos
		}
		pos -= chunkSize

		buf := make([]byte, chunkSize)
		if _, err := f.ReadAt(buf, pos); err != nil {
			return nil, err
		}
		window = append(buf, window...)
	}
}

// completeLines splits window on '\n' into lines. When atStart is false,
// the first element of the split may be a line fragment that continues
// further back in the file, so it is dropped; when atStart is true (the
// window now reaches byte 0 of the file), every element is a complete
// line. Empty lines are skipped.
func completeLines(window []byte, atStart bool) []string {
	text := string(window)
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	if !atStart && len(parts) > 0 {
		parts = parts[1:]
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
