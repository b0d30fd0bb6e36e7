package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/metrics"
)

// Registry maintains an in-memory catalogue of workflow definitions loaded
// from a template directory, with optional hot-reload via fsnotify.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Entry
	logger    *zap.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool
}

// Entry captures a loaded definition alongside bookkeeping data.
type Entry struct {
	Key         string
	Definition  *Definition
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Summary exposes lightweight information about a registered definition.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Key         string `json:"key"`
	ContentHash string `json:"contentHash"`
	SourcePath  string `json:"sourcePath,omitempty"`
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		templates: make(map[string]Entry),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Register admits an in-memory definition directly, replacing any previous
// entry for the same id/version.
func (r *Registry) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	key := MakeKey(def.ID, def.Version)
	r.mu.Lock()
	r.templates[key] = Entry{Key: key, Definition: def, LoadedAt: time.Now().UTC()}
	r.mu.Unlock()
	metrics.TemplatesLoaded.WithLabelValues(def.ID).Inc()
	return nil
}

// LoadDirectory loads every YAML definition under the provided directory.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat template directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}
	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk template directory %s: %w", root, err)
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

// Watch starts an fsnotify watcher on the directory so edited templates are
// reloaded without a restart. Invalid edits are logged and the previous entry
// kept.
func (r *Registry) Watch(root string) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("create template watcher: %w", err)
	}
	r.watcher = watcher
	r.started = true
	r.mu.Unlock()

	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("watch template directory: %w", err)
	}
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := r.loadFile(event.Name); err != nil {
				r.logger.Warn("Template reload failed",
					zap.String("file", event.Name),
					zap.Error(err),
				)
				continue
			}
			r.logger.Info("Template reloaded", zap.String("file", event.Name))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Template watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher, if one is running.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	close(r.stopCh)
	return r.watcher.Close()
}

// Get returns the entry that matches the supplied key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.templates[key]
	return entry, ok
}

// Find locates an entry by workflow id and optional version. When version is
// empty, the highest version key wins.
func (r *Registry) Find(id, version string) (Entry, bool) {
	id = strings.TrimSpace(id)
	version = strings.TrimSpace(version)
	if id == "" {
		return Entry{}, false
	}
	if entry, ok := r.Get(MakeKey(id, version)); ok {
		return entry, true
	}
	if version != "" {
		return Entry{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var best string
	for key := range r.templates {
		if key == id || strings.HasPrefix(key, id+"@") {
			if best == "" || key > best {
				best = key
			}
		}
	}
	if best == "" {
		return Entry{}, false
	}
	return r.templates[best], true
}

// List returns summaries of all currently loaded definitions.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.templates))
	for _, entry := range r.templates {
		summaries = append(summaries, Summary{
			ID:          entry.Definition.ID,
			Name:        entry.Definition.Name,
			Version:     entry.Definition.Version,
			Key:         entry.Key,
			ContentHash: entry.ContentHash,
			SourcePath:  entry.SourcePath,
		})
	}
	sortSummaries(summaries)
	return summaries
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	def, err := LoadDefinition(bytes.NewReader(data))
	if err != nil {
		metrics.TemplateValidationErrors.WithLabelValues("decode").Inc()
		return err
	}
	if err := Validate(def); err != nil {
		metrics.TemplateValidationErrors.WithLabelValues("validate").Inc()
		return err
	}

	key := MakeKey(def.ID, def.Version)
	hash := sha256.Sum256(data)
	entry := Entry{
		Key:         key,
		Definition:  def,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	r.templates[key] = entry
	r.mu.Unlock()
	metrics.TemplatesLoaded.WithLabelValues(def.ID).Inc()
	return nil
}

// MakeKey produces the canonical map key for an id/version pair.
func MakeKey(id, version string) string {
	id = strings.TrimSpace(id)
	version = strings.TrimSpace(version)
	if version == "" {
		return id
	}
	return fmt.Sprintf("%s@%s", id, version)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func sortSummaries(summaries []Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].ID == summaries[j].ID {
			return summaries[i].Version < summaries[j].Version
		}
		return summaries[i].ID < summaries[j].ID
	})
}

// LoadError aggregates template loading failures.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	if len(e.Failures) == 0 {
		return "template load failed"
	}
	return fmt.Sprintf("%d template(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}
