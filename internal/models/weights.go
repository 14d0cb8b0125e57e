package models

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// EncoderFileName is the file written by EncoderSaver inside its directory.
const EncoderFileName = "encoder.born"

// Registry maps pretrained-source names to .born weight files.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]string
}

// DefaultRegistry is used when EncoderOptions.Registry is nil.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]string)}
}

// Register binds name to a weight file path, replacing any previous binding.
func (r *Registry) Register(name, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = path
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve turns a weights source into a file path.
//
// "" resolves to "" (no pretrained weights). A registered name resolves to its
// path. Anything else is treated as a path and must exist.
func (r *Registry) Resolve(source string) (string, error) {
	if source == "" {
		return "", nil
	}

	r.mu.RLock()
	path, ok := r.sources[source]
	r.mu.RUnlock()
	if !ok {
		path = source
	}

	if _, err := os.Stat(path); err != nil {
		if ok {
			return "", errors.Wrapf(err, "pretrained source %q", source)
		}
		return "", errors.Wrapf(ErrUnknownWeights, "%q is neither a registered source %v nor a readable file", source, r.Names())
	}
	return path, nil
}

// LoadWeights resolves source through registry and loads it into m.
func LoadWeights[B tensor.Backend](m nn.Module[B], registry *Registry, source string, backend B) error {
	path, err := registry.Resolve(source)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if _, err := nn.Load(path, backend, m); err != nil {
		return errors.Wrapf(err, "load weights from %q", path)
	}
	return nil
}

// SaveWeights writes m to path in Born's native format, creating parent directories.
func SaveWeights[B tensor.Backend](m nn.Module[B], path, modelType string, metadata map[string]string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %q", dir)
		}
	}
	if err := nn.Save(m, path, modelType, metadata); err != nil {
		return errors.Wrapf(err, "save %s to %q", modelType, path)
	}
	return nil
}

// EncoderSaver persists encoder weights to <Dir>/encoder.born. Each save
// overwrites the previous file.
type EncoderSaver[B tensor.Backend] struct {
	Encoder *Encoder[B]
	Dir     string

	saves int
}

// NewEncoderSaver creates a saver writing into dir.
func NewEncoderSaver[B tensor.Backend](encoder *Encoder[B], dir string) *EncoderSaver[B] {
	return &EncoderSaver[B]{Encoder: encoder, Dir: dir}
}

// Path returns the weight file location.
func (s *EncoderSaver[B]) Path() string {
	return filepath.Join(s.Dir, EncoderFileName)
}

// Saves returns the number of successful saves.
func (s *EncoderSaver[B]) Saves() int {
	return s.saves
}

// Save writes the encoder weights, tagging the file with the epoch and its metrics.
func (s *EncoderSaver[B]) Save(epoch int, metrics map[string]float64) error {
	meta := map[string]string{"epoch": strconv.Itoa(epoch)}
	for k, v := range metrics {
		meta[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if err := SaveWeights[B](s.Encoder, s.Path(), "Encoder", meta); err != nil {
		return err
	}
	s.saves++
	return nil
}
