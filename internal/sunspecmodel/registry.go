package sunspecmodel

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

//go:embed models/*.json
var defaultModels embed.FS

// Registry is a read-only, concurrency-safe lookup table of
// ModelDescriptors keyed by model_id. It is constructed once at startup
// and shared freely across every Device Actor thereafter.
type Registry struct {
	models map[int]ModelDescriptor
}

// Load builds a Registry from the embedded default SunSpec model catalog
// (models/*.json — the common inverter, MPPT, nameplate and storage
// models), then overlays any additional or overriding model documents
// found in overrideDir (may be empty, in which case it is skipped).
// Load is the only place MalformedDefinitionError or UnknownEncodingError
// can surface; both are fatal per spec.md §4.1 and must abort startup.
func Load(overrideDir string) (*Registry, error) {
	r := &Registry{models: make(map[int]ModelDescriptor)}

	if err := r.loadFS(defaultModels, "models"); err != nil {
		return nil, err
	}
	if overrideDir != "" {
		if err := r.loadDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return &MalformedDefinitionError{Source: dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := dir + "/" + e.Name()
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return &MalformedDefinitionError{Source: path, Err: err}
		}
		if err := r.addDocument(path, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadDir(dir string) error {
	dirfs := os.DirFS(dir)
	entries, err := fs.ReadDir(dirfs, ".")
	if err != nil {
		return &MalformedDefinitionError{Source: dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := fs.ReadFile(dirfs, e.Name())
		if err != nil {
			return &MalformedDefinitionError{Source: path, Err: err}
		}
		if err := r.addDocument(path, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) addDocument(source string, data []byte) error {
	var d ModelDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return &MalformedDefinitionError{Source: source, Err: err}
	}
	if err := validateDescriptor(source, d); err != nil {
		return err
	}
	r.models[d.ModelID] = d
	return nil
}

// Lookup returns the ModelDescriptor for model_id, or ok=false if the
// registry has no definition for it (NotFound per spec.md §4.1).
func (r *Registry) Lookup(modelID int) (ModelDescriptor, bool) {
	d, ok := r.models[modelID]
	return d, ok
}

// ModelIDs returns the sorted set of model_ids this registry knows,
// chiefly useful for diagnostics and tests.
func (r *Registry) ModelIDs() []int {
	ids := make([]int, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
