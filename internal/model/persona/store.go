package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store exposes persona retrieval for the relay and the admin API.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
// Later entries override earlier ones with the same ID.
func NewMemoryStore(items []Persona) *MemoryStore {
	store := &MemoryStore{}
	for _, item := range items {
		store.put(item)
	}
	return store
}

func (s *MemoryStore) put(item Persona) {
	for i := range s.items {
		if s.items[i].ID == item.ID {
			s.items[i] = item
			return
		}
	}
	s.items = append(s.items, item)
}

// List returns the catalog in insertion order.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

type catalogFile struct {
	Personas []Persona `toml:"personas" yaml:"personas"`
}

// LoadCatalog 读取 TOML 或 YAML 格式的角色目录，格式由扩展名决定。
func LoadCatalog(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}

	var catalog catalogFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &catalog); err != nil {
			return nil, fmt.Errorf("decode persona catalog %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &catalog); err != nil {
			return nil, fmt.Errorf("decode persona catalog %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported persona catalog extension %q", ext)
	}

	for i := range catalog.Personas {
		p := &catalog.Personas[i]
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			return nil, fmt.Errorf("persona catalog %s: entry %d has no id", path, i)
		}
		if p.SpeechRate < 0 {
			return nil, fmt.Errorf("persona %s: speech rate must not be negative", p.ID)
		}
	}
	return catalog.Personas, nil
}
