package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileSource reads definitions from a YAML document. The document is
// re-read on every call so edits are picked up by a reload. Persisted
// fields go to a sidecar state file next to it; the document itself is
// never written.
type FileSource struct {
	path      string
	statePath string

	mu sync.Mutex // guards the state file
}

// NewFileSource creates a source for the YAML document at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, statePath: path + ".state.yaml"}
}

// StatePath returns the sidecar state file location.
func (f *FileSource) StatePath() string { return f.statePath }

func (f *FileSource) load() (*Document, map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", f.path, err)
	}

	f.mu.Lock()
	state, err := f.readStateLocked()
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return &doc, state, nil
}

func (f *FileSource) readStateLocked() (map[string]map[string]string, error) {
	state := make(map[string]map[string]string)
	data, err := os.ReadFile(f.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.statePath, err)
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.statePath, err)
	}
	return state, nil
}

func (f *FileSource) prepare(doc *Document, c ControllerConfig, state map[string]map[string]string) (*ControllerConfig, error) {
	cfg := c
	applyState(&cfg, state[cfg.ID])
	err := resolveMethod(&cfg, func(id string) (*Method, error) {
		for i := range doc.Methods {
			if doc.Methods[i].ID == id {
				m := doc.Methods[i]
				return &m, nil
			}
		}
		return nil, ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Controller implements Source.
func (f *FileSource) Controller(_ context.Context, id string) (*ControllerConfig, error) {
	doc, state, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, c := range doc.Controllers {
		if c.ID == id {
			return f.prepare(doc, c, state)
		}
	}
	return nil, fmt.Errorf("controller %s: %w", id, ErrNotFound)
}

// Controllers implements Source.
func (f *FileSource) Controllers(_ context.Context, kind Kind) ([]*ControllerConfig, []error, error) {
	doc, state, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	var (
		out  []*ControllerConfig
		errs []error
	)
	for _, c := range doc.Controllers {
		if !matchKind(&c, kind) {
			continue
		}
		cfg, err := f.prepare(doc, c, state)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, cfg)
	}
	return out, errs, nil
}

// Actuators implements Source.
func (f *FileSource) Actuators(_ context.Context) ([]ActuatorConfig, error) {
	doc, _, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]ActuatorConfig, 0, len(doc.Actuators))
	for _, a := range doc.Actuators {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveField implements Source. The state file is replaced atomically.
func (f *FileSource) SaveField(_ context.Context, id, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.readStateLocked()
	if err != nil {
		return err
	}
	if state[id] == nil {
		state[id] = make(map[string]string)
	}
	state[id][field] = value

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.statePath), ".envctl-state-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.statePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
