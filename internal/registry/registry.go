// Package registry caches loaded classification networks by model name.
//
// Checkpoints are large and loading one involves parsing the manifest and
// the full weight blob, so each model is loaded at most once per process and
// shared read-only between requests.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/itzlutfur/x-ray-evaluator/internal/network"
)

var (
	// ErrUnknownModel is returned for names outside the supported set.
	ErrUnknownModel = errors.New("registry: unknown model")

	// ErrModelFileMissing is returned when a supported model has no
	// checkpoint on disk.
	ErrModelFileMissing = errors.New("registry: model checkpoint missing")
)

// supported maps model names to their checkpoint base filenames.
var supported = map[string]string{
	"DenseNet121": "densenet121",
	"DenseNet201": "densenet201",
	"ResNet50":    "resnet50",
	"ResNet101":   "resnet101",
	"MobileNetV2": "mobilenetv2",
	"InceptionV3": "inceptionv3",
	"Xception":    "xception",
}

// loaderFunc loads a checkpoint. Swappable in tests.
type loaderFunc func(name, manifestPath string) (*network.Network, error)

// Registry resolves model names to loaded networks, loading lazily.
type Registry struct {
	dir    string
	log    *slog.Logger
	loader loaderFunc

	mu     sync.RWMutex
	loaded map[string]*network.Network
}

// New creates a registry over the given checkpoint directory.
func New(dir string, log *slog.Logger) *Registry {
	return &Registry{
		dir:    dir,
		log:    log,
		loader: network.Load,
		loaded: map[string]*network.Network{},
	}
}

// Available returns the supported model names in sorted order, regardless of
// which checkpoints are actually present on disk.
func (r *Registry) Available() []string {
	names := make([]string, 0, len(supported))
	for name := range supported {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOrLoad returns the cached network for name, loading it on first use.
// Concurrent callers for the same model block until the single load finishes.
func (r *Registry) GetOrLoad(name string) (*network.Network, error) {
	base, ok := supported[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}

	r.mu.RLock()
	net := r.loaded[name]
	r.mu.RUnlock()
	if net != nil {
		return net, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if net := r.loaded[name]; net != nil {
		return net, nil
	}

	manifestPath := filepath.Join(r.dir, base+".json")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrModelFileMissing, name, manifestPath)
	}

	r.log.Info("loading model checkpoint", "model", name, "path", manifestPath)
	net, err := r.loader(name, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", name, err)
	}

	r.loaded[name] = net
	return net, nil
}
