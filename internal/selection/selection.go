// Package selection tracks which models a user has enabled and which variant
// of each model they picked, and derives the dispatch allow-list from it.
package selection

import (
	"sync"

	"aifusion/internal/catalog"
)

// Entry is the per-model selection. SubModelID is nil when no variant is usable.
type Entry struct {
	Enabled    bool    `json:"enable"`
	SubModelID *string `json:"modelId"`
}

// Selection maps model name to its entry.
type Selection map[string]Entry

// Target is one (model, sub-model) pair eligible for dispatch.
type Target struct {
	ModelName  string `json:"model"`
	SubModelID string `json:"modelId"`
}

// Clone returns an independent copy.
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	for name, e := range s {
		out[name] = e.clone()
	}
	return out
}

func (e Entry) clone() Entry {
	if e.SubModelID != nil {
		id := *e.SubModelID
		e.SubModelID = &id
	}
	return e
}

func strPtr(s string) *string {
	return &s
}

// firstAllowed returns the default variant for a model given the plan.
func firstAllowed(cat *catalog.Catalog, modelName string, isPremium bool) (string, bool) {
	filter := catalog.Filter{FreeOnly: !isPremium}
	subs := cat.SubModelsOf(modelName, filter)
	if len(subs) == 0 {
		return "", false
	}
	return subs[0].ID, true
}

// InitializeDefaults enables every model with its first allowed variant.
// Models with no allowed variant are disabled with a nil sub-model.
func InitializeDefaults(cat *catalog.Catalog, isPremium bool) Selection {
	sel := make(Selection)
	for _, name := range cat.Names() {
		id, ok := firstAllowed(cat, name, isPremium)
		if !ok {
			sel[name] = Entry{Enabled: false, SubModelID: nil}
			continue
		}
		sel[name] = Entry{Enabled: true, SubModelID: strPtr(id)}
	}
	return sel
}

// Normalize repairs a persisted selection against the catalog: unknown models
// are dropped, missing models get defaults, and variants that no longer exist
// or exceed the plan fall back to the default variant.
func Normalize(raw Selection, cat *catalog.Catalog, isPremium bool) Selection {
	defaults := InitializeDefaults(cat, isPremium)
	out := make(Selection, len(defaults))

	for _, name := range cat.Names() {
		def := defaults[name]
		in, ok := raw[name]
		if !ok {
			out[name] = def
			continue
		}

		entry := Entry{Enabled: in.Enabled, SubModelID: def.SubModelID}
		if in.SubModelID != nil {
			if sub, found := cat.Lookup(name, *in.SubModelID); found && (isPremium || !sub.Premium) {
				entry.SubModelID = strPtr(sub.ID)
			}
		}
		if entry.SubModelID == nil {
			entry.Enabled = false
		}
		out[name] = entry.clone()
	}

	return out
}

// AllowedModels is the single gate consulted before any dispatch. A model is
// included iff it is enabled, has a variant, the variant exists in the
// catalog, and the variant is free or the user is premium. Results follow
// catalog order.
func AllowedModels(sel Selection, cat *catalog.Catalog, isPremium bool) []Target {
	var targets []Target
	for _, name := range cat.Names() {
		entry, ok := sel[name]
		if !ok || !entry.Enabled || entry.SubModelID == nil {
			continue
		}
		sub, found := cat.Lookup(name, *entry.SubModelID)
		if !found {
			continue
		}
		if sub.Premium && !isPremium {
			continue
		}
		targets = append(targets, Target{ModelName: name, SubModelID: sub.ID})
	}
	return targets
}

// ChangeFunc is invoked after every successful mutation with a copy of the
// new selection.
type ChangeFunc func(Selection)

// State is the shared, mutex-guarded selection for one user. All mutation
// goes through its methods.
type State struct {
	mu       sync.RWMutex
	catalog  *catalog.Catalog
	sel      Selection
	onChange ChangeFunc
}

// NewState creates a State seeded with sel (cloned).
func NewState(cat *catalog.Catalog, sel Selection) *State {
	return &State{catalog: cat, sel: sel.Clone()}
}

// OnChange registers the mutation callback (used to persist preferences).
func (s *State) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Snapshot returns a copy of the current selection.
func (s *State) Snapshot() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sel.Clone()
}

// Replace swaps the whole selection. Used only when hydrating from storage.
func (s *State) Replace(sel Selection) {
	s.mu.Lock()
	s.sel = sel.Clone()
	s.mu.Unlock()
}

// ToggleEnabled sets the enabled flag of a model without touching its variant.
// Unknown models are ignored.
func (s *State) ToggleEnabled(modelName string, value bool) bool {
	if _, ok := s.catalog.Model(modelName); !ok {
		return false
	}

	s.mu.Lock()
	entry := s.sel[modelName]
	entry.Enabled = value
	s.sel[modelName] = entry
	snap, fn := s.sel.Clone(), s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return true
}

// SelectSubModel picks a variant. It is a silent no-op (returning false) when
// the variant is not part of the model or is premium and the user is not.
func (s *State) SelectSubModel(modelName, subModelID string, isPremium bool) bool {
	sub, ok := s.catalog.Lookup(modelName, subModelID)
	if !ok {
		return false
	}
	if sub.Premium && !isPremium {
		return false
	}

	s.mu.Lock()
	entry := s.sel[modelName]
	entry.SubModelID = strPtr(sub.ID)
	s.sel[modelName] = entry
	snap, fn := s.sel.Clone(), s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return true
}

// Allowed derives the allow-list from the current selection.
func (s *State) Allowed(isPremium bool) []Target {
	return AllowedModels(s.Snapshot(), s.catalog, isPremium)
}
