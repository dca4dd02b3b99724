package selection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"aifusion/internal/catalog"
)

func testCatalog() *catalog.Catalog {
	return catalog.MustNew([]catalog.Model{
		{Name: "Alpha", SubModels: []catalog.SubModel{
			{ID: "alpha-free"},
			{ID: "alpha-pro", Premium: true},
		}},
		{Name: "Beta", SubModels: []catalog.SubModel{
			{ID: "beta-pro", Premium: true},
			{ID: "beta-free"},
		}},
		{Name: "Gamma", SubModels: []catalog.SubModel{
			{ID: "gamma-pro", Premium: true},
		}},
	})
}

func TestInitializeDefaults_Free(t *testing.T) {
	sel := InitializeDefaults(testCatalog(), false)

	require.Len(t, sel, 3)
	assert.True(t, sel["Alpha"].Enabled)
	assert.Equal(t, "alpha-free", *sel["Alpha"].SubModelID)
	assert.Equal(t, "beta-free", *sel["Beta"].SubModelID)

	assert.False(t, sel["Gamma"].Enabled)
	assert.Nil(t, sel["Gamma"].SubModelID)
}

func TestInitializeDefaults_Premium(t *testing.T) {
	sel := InitializeDefaults(testCatalog(), true)

	assert.Equal(t, "alpha-free", *sel["Alpha"].SubModelID)
	assert.Equal(t, "beta-pro", *sel["Beta"].SubModelID)
	assert.True(t, sel["Gamma"].Enabled)
	assert.Equal(t, "gamma-pro", *sel["Gamma"].SubModelID)
}

func TestToggleEnabledKeepsSubModel(t *testing.T) {
	cat := testCatalog()
	state := NewState(cat, InitializeDefaults(cat, false))

	assert.True(t, state.ToggleEnabled("Alpha", false))
	snap := state.Snapshot()
	assert.False(t, snap["Alpha"].Enabled)
	assert.Equal(t, "alpha-free", *snap["Alpha"].SubModelID)

	assert.False(t, state.ToggleEnabled("Nope", true))
}

func TestSelectSubModelPremiumGuard(t *testing.T) {
	cat := testCatalog()
	state := NewState(cat, InitializeDefaults(cat, false))

	var changes int
	state.OnChange(func(Selection) { changes++ })

	assert.False(t, state.SelectSubModel("Alpha", "alpha-pro", false))
	assert.Equal(t, "alpha-free", *state.Snapshot()["Alpha"].SubModelID)
	assert.Equal(t, 0, changes)

	assert.False(t, state.SelectSubModel("Alpha", "beta-free", true), "foreign sub-model must be rejected")

	assert.True(t, state.SelectSubModel("Alpha", "alpha-pro", true))
	assert.Equal(t, "alpha-pro", *state.Snapshot()["Alpha"].SubModelID)
	assert.Equal(t, 1, changes)
}

func TestAllowedModels(t *testing.T) {
	cat := testCatalog()
	pro := "alpha-pro"
	sel := Selection{
		"Alpha": {Enabled: true, SubModelID: &pro},
		"Beta":  {Enabled: false, SubModelID: strPtr("beta-free")},
		"Gamma": {Enabled: true, SubModelID: nil},
	}

	assert.Empty(t, AllowedModels(sel, cat, false))
	assert.Equal(t, []Target{{ModelName: "Alpha", SubModelID: "alpha-pro"}}, AllowedModels(sel, cat, true))
}

func TestAllowedModelsFollowsCatalogOrder(t *testing.T) {
	cat := testCatalog()
	targets := AllowedModels(InitializeDefaults(cat, true), cat, true)

	var names []string
	for _, tgt := range targets {
		names = append(names, tgt.ModelName)
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, names)
}

func TestNormalize(t *testing.T) {
	cat := testCatalog()
	raw := Selection{
		"Alpha":   {Enabled: false, SubModelID: strPtr("alpha-pro")},
		"Beta":    {Enabled: true, SubModelID: strPtr("gone")},
		"Unknown": {Enabled: true, SubModelID: strPtr("x")},
	}

	sel := Normalize(raw, cat, false)

	require.Len(t, sel, 3)
	assert.False(t, sel["Alpha"].Enabled)
	assert.Equal(t, "alpha-free", *sel["Alpha"].SubModelID, "premium pick is downgraded for free users")
	assert.True(t, sel["Beta"].Enabled)
	assert.Equal(t, "beta-free", *sel["Beta"].SubModelID)
	assert.False(t, sel["Gamma"].Enabled)
	assert.Nil(t, sel["Gamma"].SubModelID)
	_, ok := sel["Unknown"]
	assert.False(t, ok)
}

func TestSnapshotIsIndependent(t *testing.T) {
	cat := testCatalog()
	state := NewState(cat, InitializeDefaults(cat, false))

	snap := state.Snapshot()
	*snap["Alpha"].SubModelID = "mutated"

	assert.Equal(t, "alpha-free", *state.Snapshot()["Alpha"].SubModelID)
}

// TestAllowedModelsNeverLeaksPremium checks that, for random catalogs and
// selections, a free user never gets a premium variant in the allow-list.
func TestAllowedModelsNeverLeaksPremium(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		numModels := rapid.IntRange(1, 6).Draw(r, "numModels")
		models := make([]catalog.Model, numModels)
		for i := range models {
			numSubs := rapid.IntRange(0, 4).Draw(r, "numSubs")
			subs := make([]catalog.SubModel, numSubs)
			for j := range subs {
				subs[j] = catalog.SubModel{
					ID:      fmt.Sprintf("m%d-s%d", i, j),
					Premium: rapid.Bool().Draw(r, "premium"),
				}
			}
			models[i] = catalog.Model{Name: fmt.Sprintf("m%d", i), SubModels: subs}
		}
		cat := catalog.MustNew(models)

		sel := make(Selection)
		for i := range models {
			entry := Entry{Enabled: rapid.Bool().Draw(r, "enabled")}
			// Pick any id, including ones from other models and ones that do not exist.
			if rapid.Bool().Draw(r, "hasSub") {
				id := fmt.Sprintf("m%d-s%d",
					rapid.IntRange(0, numModels).Draw(r, "subModel"),
					rapid.IntRange(0, 4).Draw(r, "subIndex"))
				entry.SubModelID = &id
			}
			sel[fmt.Sprintf("m%d", i)] = entry
		}

		for _, tgt := range AllowedModels(sel, cat, false) {
			sub, ok := cat.Lookup(tgt.ModelName, tgt.SubModelID)
			if !ok {
				r.Fatalf("target %+v references an unknown sub-model", tgt)
			}
			if sub.Premium {
				r.Fatalf("free user was allowed premium sub-model %s", tgt.SubModelID)
			}
			if !sel[tgt.ModelName].Enabled {
				r.Fatalf("disabled model %s was allowed", tgt.ModelName)
			}
		}

		// Normalized selections obey the same invariant by construction.
		for name, e := range Normalize(sel, cat, false) {
			if e.SubModelID == nil {
				continue
			}
			if sub, _ := cat.Lookup(name, *e.SubModelID); sub.Premium {
				r.Fatalf("normalize kept premium sub-model %s for free user", sub.ID)
			}
		}
	})
}
