package exchange

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

// Factory creates an adapter instance from credentials.
type Factory func(logger *zap.Logger, creds Credentials) Adapter

// Manifest describes an adapter without instantiating it. Discovery only
// parses the JSON, so one broken adapter cannot disable the others.
type Manifest struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ClassName         string   `json:"class_name"`
	SupportedFeatures []string `json:"supported_features,omitempty"`
}

// Loader discovers adapter manifests and instantiates adapters through
// registered factories.
type Loader struct {
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	manifests map[string]Manifest
}

// NewLoader creates an empty loader.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger:    logger.With(zap.String("component", "adapter-loader")),
		factories: make(map[string]Factory),
		manifests: make(map[string]Manifest),
	}
}

// Register binds a class name to an adapter factory.
func (l *Loader) Register(className string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[className] = f
}

// RegisterManifest adds a manifest directly, used for built-ins.
func (l *Loader) RegisterManifest(m Manifest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[m.ID] = m
}

// Discover scans dir for *.json manifests. Invalid files are logged and
// skipped.
func (l *Loader) Discover(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading adapter dir: %w", err)
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
		l.logger.Info("discovered adapter",
			zap.String("id", m.ID),
			zap.String("class", m.ClassName),
			zap.Strings("features", m.SupportedFeatures))
	}
	return nil
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

// GetMetadata returns the manifest for an adapter id.
func (l *Loader) GetMetadata(id string) (Manifest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.manifests[id]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %s", types.ErrAdapterNotFound, id)
	}
	return m, nil
}

// SupportsFeature reports whether the adapter declares the feature.
func (l *Loader) SupportsFeature(id, feature string) bool {
	m, err := l.GetMetadata(id)
	if err != nil {
		return false
	}
	for _, f := range m.SupportedFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// Load instantiates the adapter identified by id with the credentials.
func (l *Loader) Load(id string, creds Credentials) (Adapter, error) {
	m, err := l.GetMetadata(id)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	f, ok := l.factories[m.ClassName]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: class %q not registered", types.ErrAdapterNotFound, m.ClassName)
	}
	return f(l.logger, creds), nil
}
