package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aifusion/internal/docstore"
	"aifusion/internal/selection"
)

// Plans.
const (
	PlanFree    = "free"
	PlanPremium = "premium"
)

// New users start with these balances.
const (
	defaultCredits      = 1000
	defaultRemainingMsg = 15
)

// ErrUserNotFound is returned when no user record exists.
var ErrUserNotFound = errors.New("user not found")

// User is the per-account record.
type User struct {
	Email             string              `json:"email"`
	Name              string              `json:"name,omitempty"`
	Plan              string              `json:"plan"`
	Credits           int                 `json:"credits"`
	RemainingMsg      int                 `json:"remainingMsg"`
	CreatedAt         int64               `json:"createdAt"` // epoch millis
	SelectedModelPref selection.Selection `json:"selectedModelPref,omitempty"`
}

// IsPremium reports whether the user is on the premium plan.
func (u User) IsPremium() bool {
	return u.Plan == PlanPremium
}

// LoadOrCreateUser returns the user record for email, writing a new free-plan
// record seeded with defaultPrefs when none exists.
func (b *Bridge) LoadOrCreateUser(ctx context.Context, email, name string, defaultPrefs selection.Selection) (*User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("user email is required")
	}

	u, err := b.GetUser(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	u = &User{
		Email:             email,
		Name:              name,
		Plan:              PlanFree,
		Credits:           defaultCredits,
		RemainingMsg:      defaultRemainingMsg,
		CreatedAt:         b.now().UnixMilli(),
		SelectedModelPref: defaultPrefs,
	}
	doc, err := toMap(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	if err := b.store.Set(ctx, UsersCollection, email, doc); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", email, err)
	}
	return u, nil
}

// GetUser loads a user; ErrUserNotFound when absent.
func (b *Bridge) GetUser(ctx context.Context, email string) (*User, error) {
	doc, err := b.store.Get(ctx, UsersCollection, email)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user %s: %w", email, err)
	}

	var u User
	if err := fromMap(doc.Data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", email, err)
	}
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	return &u, nil
}

// SaveSelection merge-writes the user's model preferences.
func (b *Bridge) SaveSelection(ctx context.Context, email string, sel selection.Selection) error {
	prefs, err := toValue(sel)
	if err != nil {
		return fmt.Errorf("failed to encode selection: %w", err)
	}
	if err := b.store.Merge(ctx, UsersCollection, email, map[string]any{
		"email":             email,
		"selectedModelPref": prefs,
	}); err != nil {
		return fmt.Errorf("failed to save selection for %s: %w", email, err)
	}
	return nil
}

// SetPlan changes a user's plan. The user must already exist.
func (b *Bridge) SetPlan(ctx context.Context, email, plan string) error {
	if plan != PlanFree && plan != PlanPremium {
		return fmt.Errorf("unknown plan %q", plan)
	}
	if _, err := b.GetUser(ctx, email); err != nil {
		return err
	}
	if err := b.store.Merge(ctx, UsersCollection, email, map[string]any{"plan": plan}); err != nil {
		return fmt.Errorf("failed to set plan for %s: %w", email, err)
	}
	return nil
}

// IsPremium reports the stored plan of email; unknown users are free.
func (b *Bridge) IsPremium(ctx context.Context, email string) bool {
	u, err := b.GetUser(ctx, email)
	if err != nil {
		return false
	}
	return u.IsPremium()
}

// setClock pins timestamps in tests.
func (b *Bridge) setClock(now func() time.Time) {
	b.now = now
}
