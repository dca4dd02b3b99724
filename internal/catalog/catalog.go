// Package catalog holds the static registry of AI models the gateway can fan out to.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubModel is one individually addressable variant of a model family.
type SubModel struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Premium bool   `yaml:"premium" json:"premium"`
}

// Model is a named model family (a vendor's model line).
type Model struct {
	Name      string     `yaml:"model" json:"model"`
	Icon      string     `yaml:"icon" json:"icon"`
	SubModels []SubModel `yaml:"sub_models" json:"subModel"`
}

// Filter narrows SubModelsOf results. Setting both fields yields nothing.
type Filter struct {
	PremiumOnly bool
	FreeOnly    bool
}

// Catalog is immutable once built.
type Catalog struct {
	models []Model
	index  map[string]int
}

type catalogFile struct {
	Models []Model `yaml:"models"`
}

// New builds a catalog from the given models. Names must be unique and every
// sub-model id must be unique within its model.
func New(models []Model) (*Catalog, error) {
	c := &Catalog{
		models: make([]Model, 0, len(models)),
		index:  make(map[string]int, len(models)),
	}

	for _, m := range models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return nil, fmt.Errorf("model with empty name")
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("duplicate model %q", name)
		}

		seen := make(map[string]bool, len(m.SubModels))
		subs := make([]SubModel, 0, len(m.SubModels))
		for _, s := range m.SubModels {
			if s.ID == "" {
				return nil, fmt.Errorf("model %q has a sub-model with empty id", name)
			}
			if seen[s.ID] {
				return nil, fmt.Errorf("model %q has duplicate sub-model %q", name, s.ID)
			}
			seen[s.ID] = true
			if s.Name == "" {
				s.Name = s.ID
			}
			subs = append(subs, s)
		}

		c.index[name] = len(c.models)
		c.models = append(c.models, Model{Name: name, Icon: m.Icon, SubModels: subs})
	}

	return c, nil
}

// MustNew is New for static tables; a bad table is a programming error.
func MustNew(models []Model) *Catalog {
	c, err := New(models)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile reads a YAML catalog of the form {models: [{model, icon, sub_models: [...]}]}.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("catalog file %s declares no models", path)
	}

	return New(f.Models)
}

// ListModels returns every model in catalog order.
func (c *Catalog) ListModels() []Model {
	out := make([]Model, len(c.models))
	for i, m := range c.models {
		out[i] = copyModel(m)
	}
	return out
}

// Names returns model names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.models))
	for i, m := range c.models {
		names[i] = m.Name
	}
	return names
}

// Model returns the named model.
func (c *Catalog) Model(name string) (Model, bool) {
	i, ok := c.index[name]
	if !ok {
		return Model{}, false
	}
	return copyModel(c.models[i]), true
}

// SubModelsOf returns the sub-models of modelName matching filter.
// Unknown models yield nil.
func (c *Catalog) SubModelsOf(modelName string, filter Filter) []SubModel {
	i, ok := c.index[modelName]
	if !ok {
		return nil
	}

	var out []SubModel
	for _, s := range c.models[i].SubModels {
		if filter.PremiumOnly && !s.Premium {
			continue
		}
		if filter.FreeOnly && s.Premium {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Lookup resolves a sub-model of the named model.
func (c *Catalog) Lookup(modelName, subModelID string) (SubModel, bool) {
	i, ok := c.index[modelName]
	if !ok {
		return SubModel{}, false
	}
	for _, s := range c.models[i].SubModels {
		if s.ID == subModelID {
			return s, true
		}
	}
	return SubModel{}, false
}

func copyModel(m Model) Model {
	subs := make([]SubModel, len(m.SubModels))
	copy(subs, m.SubModels)
	m.SubModels = subs
	return m
}
