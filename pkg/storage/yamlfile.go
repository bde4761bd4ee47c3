package storage

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cogsled/cogsled/pkg/types"
)

// yamlDocument is the on-disk shape of a catalog file.
type yamlDocument struct {
	Services []types.ServiceConfig `yaml:"services"`
}

// FileCatalog is a read-mostly Catalog backed by a single YAML file,
// reloaded from disk on every List so external edits are picked up by the
// next registry refresh without a restart.
type FileCatalog struct {
	mu   sync.Mutex
	path string
}

// OpenFile opens a YAML-backed catalog at path. The file need not exist yet.
func OpenFile(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

func (c *FileCatalog) load() (yamlDocument, error) {
	var doc yamlDocument
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read catalog file %s: %w", c.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse catalog file %s: %w", c.path, err)
	}
	return doc, nil
}

func (c *FileCatalog) save(doc yamlDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode catalog file: %w", err)
	}
	return os.WriteFile(c.path, data, 0o644)
}

func (c *FileCatalog) List() ([]types.ServiceConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	return doc.Services, err
}

func (c *FileCatalog) Get(name string) (types.ServiceConfig, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return types.ServiceConfig{}, false, err
	}
	for _, s := range doc.Services {
		if s.Name == name {
			return s, true, nil
		}
	}
	return types.ServiceConfig{}, false, nil
}

func (c *FileCatalog) Put(cfg types.ServiceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, s := range doc.Services {
		if s.Name == cfg.Name {
			doc.Services[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Services = append(doc.Services, cfg)
	}
	return c.save(doc)
}

func (c *FileCatalog) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return err
	}
	kept := doc.Services[:0]
	for _, s := range doc.Services {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	doc.Services = kept
	return c.save(doc)
}

func (c *FileCatalog) Close() error {
	return nil
}
