package main

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/sirupsen/logrus"
)

// containerEngine is the Container Engine from spec.md §4.3: creates,
// starts, monitors, stops, and removes named containers; the engine never
// restarts a container on its own, that decision belongs to the Executor
// and Supervisor. Grounded on harpoon-agent's registry.go ownership model
// (a single map guarded by a mutex) generalized from harpoon's "runner
// instance" domain to this spec's "process-based container" domain.
type containerEngine struct {
	mu          sync.Mutex
	containers  map[string]*container
	storageRoot string
	log         *logrus.Logger
	metrics     *metricsRegistry
}

func newContainerEngine(storageRoot string, log *logrus.Logger, m *metricsRegistry) *containerEngine {
	return &containerEngine{
		containers:  make(map[string]*container),
		storageRoot: storageRoot,
		log:         log,
		metrics:     m,
	}
}

func (e *containerEngine) CreateContainer(cfg agent.ContainerConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.containers[cfg.Name]; exists {
		return agent.AlreadyExists("container %q already exists", cfg.Name)
	}
	if cfg.ResourceLimits == (agent.ResourceLimits{}) {
		cfg.ResourceLimits = agent.DefaultResourceLimits()
	}

	e.containers[cfg.Name] = newContainer(cfg, e.storageRoot, e.log)
	return nil
}

func (e *containerEngine) StartContainer(name string) error {
	e.mu.Lock()
	c, exists := e.containers[name]
	e.mu.Unlock()
	if !exists {
		return agent.NotFound("container %q not found", name)
	}

	if err := c.start(); err != nil {
		if e.metrics != nil {
			e.metrics.containerStartFailures.Inc()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.containerStarts.Inc()
	}
	return nil
}

// StopContainer signals the container with TERM-then-KILL and always
// returns nil (matching stop_container's true-even-if-not-started
// contract), except when name is altogether unknown to the engine.
func (e *containerEngine) StopContainer(name string, timeout time.Duration) error {
	e.mu.Lock()
	c, exists := e.containers[name]
	e.mu.Unlock()
	if !exists {
		return agent.NotFound("container %q not found", name)
	}
	if err := c.stop(timeout); err != nil {
		e.log.WithError(err).WithField("container", name).Warn("stop_container reported an error; cleanup proceeds regardless")
	}
	return nil
}

// RemoveContainer best-effort stops, then unconditionally removes the
// container directory and the engine's reference, even if stop failed.
func (e *containerEngine) RemoveContainer(name string, timeout time.Duration) error {
	e.mu.Lock()
	c, exists := e.containers[name]
	e.mu.Unlock()
	if !exists {
		return nil
	}

	func() {
		defer func() { recover() }()
		_ = c.stop(timeout)
	}()

	meta := c.metadata()
	if meta.RootPath != "" {
		if err := os.RemoveAll(filepath.Dir(meta.RootPath)); err != nil {
			e.log.WithError(err).WithField("container", name).Warn("failed to remove container root path")
		}
	}

	e.mu.Lock()
	delete(e.containers, name)
	e.mu.Unlock()
	return nil
}

func (e *containerEngine) GetContainer(name string) (*container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	return c, ok
}

func (e *containerEngine) GetContainerInfo(name string) (agent.ContainerMetadata, bool) {
	c, ok := e.GetContainer(name)
	if !ok {
		return agent.ContainerMetadata{}, false
	}
	return c.metadata(), true
}

func (e *containerEngine) GetContainerMetrics(name string) (*agent.ContainerMetricsSample, bool) {
	c, ok := e.GetContainer(name)
	if !ok {
		return nil, false
	}
	return c.metricsSample(), true
}

func (e *containerEngine) ListContainers() []agent.ContainerMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]agent.ContainerMetadata, 0, len(e.containers))
	for _, c := range e.containers {
		out = append(out, c.metadata())
	}
	return out
}

// ExportContainerState dumps all container metadata, for operator
// debugging; mirrors export_container_state in the source.
func (e *containerEngine) ExportContainerState() map[string]agent.ContainerMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]agent.ContainerMetadata, len(e.containers))
	for name, c := range e.containers {
		out[name] = c.metadata()
	}
	return out
}

func (e *containerEngine) CleanupAll(timeout time.Duration) {
	e.mu.Lock()
	names := make([]string, 0, len(e.containers))
	for name := range e.containers {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		_ = e.RemoveContainer(name, timeout)
	}
}

// imageMetadata is persisted as images/<name>/image.json, mirroring
// ContainerImage.create_snapshot in container_engine.py.
type imageMetadata struct {
	CreatedAt string `json:"created_at"`
	Source    string `json:"source"`
	SizeBytes int64  `json:"size_bytes"`
}

// CreateImage recursively copies sourceDir into a content-addressed layer
// under images/<imageName>/layers/<hash>/ and writes image.json. This is
// archival/informational only; nothing in the engine consumes images to
// start a container, matching the source's "not required to run
// containers" note.
func (e *containerEngine) CreateImage(sourceDir, imageName string) error {
	hash := fmt.Sprintf("%x", md5.Sum([]byte(imageName+agent.Timestamp())))[:12]
	layerDir := filepath.Join(e.storageRoot, "images", imageName, "layers", hash)
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return agent.IOErr(err, "create image layer directory")
	}

	size, err := copyTree(sourceDir, layerDir)
	if err != nil {
		return agent.IOErr(err, "copy image source tree")
	}

	meta := imageMetadata{CreatedAt: agent.Timestamp(), Source: sourceDir, SizeBytes: size}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return agent.IOErr(err, "marshal image metadata")
	}
	metaPath := filepath.Join(e.storageRoot, "images", imageName, "image.json")
	return os.WriteFile(metaPath, data, 0o644)
}

func copyTree(src, dst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()

		n, err := io.Copy(out, in)
		total += n
		return err
	})
	return total, err
}
