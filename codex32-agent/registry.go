package main

import (
	"strings"
	"sync"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/sirupsen/logrus"
)

// registryFile is the on-disk shape of the registry, matching spec.md §6's
// persisted state layout.
type registryFile struct {
	Bots     []agent.BotRecord `json:"bots"`
	Metadata registryMetadata  `json:"metadata"`
}

type registryMetadata struct {
	TotalBots   int     `json:"total_bots"`
	LastUpdated *string `json:"last_updated"`
}

// registry is the Bot Registry from spec.md §4.2: an in-memory cache of
// BotRecords mirrored durably to one JSON file through the jsonStore.
//
// The source relies on a single event-loop thread for its ordering
// guarantee; codex32-agent is multi-threaded, so per the rearchitecture
// note in spec.md §9 the cache is wrapped in a mutex held only for the
// duration of the swap-plus-persist call, matching harpoon-agent's
// registry.go locking discipline.
type registry struct {
	mu    sync.Mutex
	cache map[string]agent.BotRecord
	path  string
	store *jsonStore
	log   *logrus.Logger
}

func newRegistry(path string, store *jsonStore, log *logrus.Logger) *registry {
	r := &registry{
		cache: make(map[string]agent.BotRecord),
		path:  path,
		store: store,
		log:   log,
	}
	var f registryFile
	store.load(path, &f)
	for _, b := range f.Bots {
		if b.ID == "" {
			continue
		}
		r.cache[b.ID] = b
	}
	log.WithField("count", len(r.cache)).Info("loaded bot registry")
	return r
}

func (r *registry) save() error {
	bots := make([]agent.BotRecord, 0, len(r.cache))
	for _, b := range r.cache {
		bots = append(bots, b)
	}
	f := registryFile{
		Bots:     bots,
		Metadata: registryMetadata{TotalBots: len(bots)},
	}
	if err := r.store.atomicSave(r.path, f); err != nil {
		r.log.WithError(err).Error("failed to save registry")
		return err
	}
	return nil
}

// RegisterBot requires a non-empty id and fails with AlreadyExists if the
// id is already registered.
func (r *registry) RegisterBot(b agent.BotRecord) (agent.BotRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.ID == "" {
		return agent.BotRecord{}, agent.Validation("bot must include non-empty id")
	}
	if _, exists := r.cache[b.ID]; exists {
		return agent.BotRecord{}, agent.AlreadyExists("bot with id %q already exists", b.ID)
	}

	now := agent.Timestamp()
	if b.CreatedAt == "" {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = agent.StatusCreated
	}

	r.cache[b.ID] = b
	if err := r.save(); err != nil {
		return agent.BotRecord{}, err
	}
	r.log.WithFields(logrus.Fields{"bot_id": b.ID, "name": b.Name}).Info("registered bot")
	return b, nil
}

// UpdateBot requires a known id and performs a whole-record replace.
func (r *registry) UpdateBot(b agent.BotRecord) (agent.BotRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.ID == "" {
		return agent.BotRecord{}, agent.Validation("bot must include non-empty id")
	}
	if _, exists := r.cache[b.ID]; !exists {
		return agent.BotRecord{}, agent.NotFound("bot with id %q not found in registry", b.ID)
	}

	b.UpdatedAt = agent.Timestamp()
	r.cache[b.ID] = b
	if err := r.save(); err != nil {
		return agent.BotRecord{}, err
	}
	return b, nil
}

// UpdateBotStatus merges status plus any patch fields into the existing
// record. It is a no-op returning (zero, false) if the id is unknown,
// rather than an error — matching update_bot_status's Optional[None]
// return in the source.
func (r *registry) UpdateBotStatus(id string, status agent.BotStatus, patch func(*agent.BotRecord)) (agent.BotRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.cache[id]
	if !exists {
		r.log.WithField("bot_id", id).Warn("attempted to update non-existent bot")
		return agent.BotRecord{}, false
	}

	b.Status = status
	b.UpdatedAt = agent.Timestamp()
	if patch != nil {
		patch(&b)
	}
	r.cache[id] = b
	if err := r.save(); err != nil {
		r.log.WithError(err).Error("failed to persist status update")
	}
	return b, true
}

// UnregisterBot returns whether a bot with id was present.
func (r *registry) UnregisterBot(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cache[id]; !exists {
		return false
	}
	delete(r.cache, id)
	if err := r.save(); err != nil {
		r.log.WithError(err).Error("failed to persist after unregister")
	}
	return true
}

func (r *registry) GetAll() []agent.BotRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.BotRecord, 0, len(r.cache))
	for _, b := range r.cache {
		out = append(out, b)
	}
	return out
}

func (r *registry) GetByID(id string) (agent.BotRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.cache[id]
	return b, ok
}

func (r *registry) GetByName(name string) (agent.BotRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.cache {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return agent.BotRecord{}, false
}

func (r *registry) GetByStatus(status agent.BotStatus) []agent.BotRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.BotRecord
	for _, b := range r.cache {
		if b.Status == status {
			out = append(out, b)
		}
	}
	return out
}

func (r *registry) GetByRole(role string) []agent.BotRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.BotRecord
	for _, b := range r.cache {
		if b.Role == role {
			out = append(out, b)
		}
	}
	return out
}

// RegistryStats is the O(n) single-pass summary from get_registry_stats.
type RegistryStats struct {
	TotalBots    int            `json:"total_bots"`
	BotsByStatus map[string]int `json:"bots_by_status"`
	ActiveBots   int            `json:"active_bots"`
	FailedBots   int            `json:"failed_bots"`
}

func (r *registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{BotsByStatus: make(map[string]int)}
	for _, b := range r.cache {
		stats.TotalBots++
		stats.BotsByStatus[string(b.Status)]++
		if b.Status == agent.StatusRunning {
			stats.ActiveBots++
		}
		if agent.IsFailedStatus(b.Status) || (b.LastError != nil && *b.LastError != "") {
			stats.FailedBots++
		}
	}
	return stats
}

// ExportRegistry writes the current cache to an arbitrary backup path.
func (r *registry) ExportRegistry(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bots := make([]agent.BotRecord, 0, len(r.cache))
	for _, b := range r.cache {
		bots = append(bots, b)
	}
	f := registryFile{Bots: bots, Metadata: registryMetadata{TotalBots: len(bots)}}
	return r.store.atomicSave(path, f)
}

// ImportRegistry loads bots from path and either merges them into the
// current cache or replaces it wholesale, then persists.
func (r *registry) ImportRegistry(path string, merge bool) error {
	var f registryFile
	r.store.load(path, &f)

	imported := make(map[string]agent.BotRecord, len(f.Bots))
	for _, b := range f.Bots {
		if b.ID == "" {
			continue
		}
		imported[b.ID] = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if merge {
		for id, b := range imported {
			r.cache[id] = b
		}
	} else {
		r.cache = imported
	}
	return r.save()
}
