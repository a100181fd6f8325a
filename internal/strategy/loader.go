package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

// Factory creates a fresh strategy instance. Each run gets its own instance;
// strategies are never shared across runs.
type Factory func() Strategy

// Registry maps manifest class names to factories. Built-ins register at
// package init; external strategies register from cmd wiring.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a class name to a factory. Later registrations win.
func (r *Registry) Register(className string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[className] = f
}

// New instantiates the strategy registered under className.
func (r *Registry) New(className string) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[className]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: class %q not registered", types.ErrStrategyNotFound, className)
	}
	return f(), nil
}

// ParamSpec documents one configurable strategy parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manifest describes one strategy without instantiating it.
type Manifest struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	ClassName   string      `json:"class_name"`
	Description string      `json:"description,omitempty"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
}

// Loader discovers strategy manifests from a directory and instantiates
// strategies through the registry. Discovery only parses JSON; no strategy
// code runs until Load.
type Loader struct {
	logger   *zap.Logger
	registry *Registry

	mu        sync.RWMutex
	manifests map[string]Manifest
}

// NewLoader creates a loader backed by the given registry.
func NewLoader(logger *zap.Logger, registry *Registry) *Loader {
	return &Loader{
		logger:    logger.With(zap.String("component", "strategy-loader")),
		registry:  registry,
		manifests: make(map[string]Manifest),
	}
}

// Discover scans dir for *.json manifests. Invalid manifests are logged and
// skipped; they never fail discovery of the others.
func (l *Loader) Discover(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading strategy dir: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("unreadable manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			l.logger.Warn("malformed manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		if m.ID == "" || m.ClassName == "" {
			l.logger.Warn("manifest missing id or class_name", zap.String("path", path))
			continue
		}
		l.manifests[m.ID] = m
		l.logger.Info("discovered strategy",
			zap.String("id", m.ID),
			zap.String("class", m.ClassName),
			zap.String("version", m.Version))
	}
	return nil
}

// RegisterManifest adds a manifest directly, used for built-ins.
func (l *Loader) RegisterManifest(m Manifest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[m.ID] = m
}

// ListAvailable returns all discovered manifests sorted by id.
func (l *Loader) ListAvailable() []Manifest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Manifest, 0, len(l.manifests))
	for _, m := range l.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetMetadata returns the manifest for a strategy id.
func (l *Loader) GetMetadata(id string) (Manifest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.manifests[id]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %s", types.ErrStrategyNotFound, id)
	}
	return m, nil
}

// Load instantiates the strategy identified by id.
func (l *Loader) Load(id string) (Strategy, error) {
	m, err := l.GetMetadata(id)
	if err != nil {
		return nil, err
	}
	return l.registry.New(m.ClassName)
}
