// Package registry loads service descriptors from YAML catalogs and serves
// them from an immutable, lock-free snapshot.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/protogate/model"
)

// catalog is the on-disk layout of a descriptor file.
type catalog struct {
	Services map[string]model.ServiceDescriptor `yaml:"services"`
}

// Loader scans directories for YAML catalogs of service descriptors.
type Loader struct{}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml catalogs and
// returns every descriptor they declare, sorted by name. A service name
// declared twice is an error.
func (l *Loader) LoadAll(directories []string) ([]model.ServiceDescriptor, error) {
	seen := make(map[string]string)
	var descs []model.ServiceDescriptor

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			fileDescs, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			for _, desc := range fileDescs {
				if prev, dup := seen[desc.Name]; dup {
					return fmt.Errorf("service %q declared in both %s and %s", desc.Name, prev, path)
				}
				seen[desc.Name] = path
				descs = append(descs, desc)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("registry: scanning directory %s: %w", dir, err)
		}
	}

	sortByName(descs)
	return descs, nil
}

// LoadFile parses a single catalog. The map key becomes the descriptor name
// and the path is recorded as its source.
func (l *Loader) LoadFile(path string) ([]model.ServiceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	descs := FromMap(c.Services)
	for i := range descs {
		descs[i].SourceFile = path
	}
	return descs, nil
}

// FromMap converts an inline name → descriptor map into a sorted slice.
func FromMap(services map[string]model.ServiceDescriptor) []model.ServiceDescriptor {
	descs := make([]model.ServiceDescriptor, 0, len(services))
	for name, desc := range services {
		desc.Name = name
		descs = append(descs, desc)
	}
	sortByName(descs)
	return descs
}

func sortByName(descs []model.ServiceDescriptor) {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
}
