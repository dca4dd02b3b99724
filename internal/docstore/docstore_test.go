package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "chatHistory", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "users", "a@example.com", map[string]any{
		"email": "a@example.com",
		"plan":  "free",
		"prefs": map[string]any{"GPT": map[string]any{"enable": true}},
	}))

	doc, err := s.Get(ctx, "users", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "free", doc.Data["plan"])
	assert.Equal(t, true, doc.Data["prefs"].(map[string]any)["GPT"].(map[string]any)["enable"])
	assert.False(t, doc.UpdatedAt.IsZero())

	// Set replaces wholesale
	require.NoError(t, s.Set(ctx, "users", "a@example.com", map[string]any{"plan": "premium"}))
	doc, err = s.Get(ctx, "users", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "premium"}, doc.Data)
}

func TestMergeLeavesAbsentFieldsUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Merge(ctx, "chatHistory", "c1", map[string]any{
		"chatId": "c1",
		"title":  "Hello",
		"messages": map[string]any{
			"GPT":    []any{map[string]any{"role": "user", "content": "Hello"}},
			"Gemini": []any{map[string]any{"role": "user", "content": "Hello"}},
		},
	}))

	require.NoError(t, s.Merge(ctx, "chatHistory", "c1", map[string]any{
		"messages": map[string]any{
			"GPT": []any{
				map[string]any{"role": "user", "content": "Hello"},
				map[string]any{"role": "assistant", "content": "Hi there"},
			},
		},
		"lastUpdated": float64(42),
	}))

	doc, err := s.Get(ctx, "chatHistory", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", doc.Data["title"])
	assert.Equal(t, float64(42), doc.Data["lastUpdated"])

	messages := doc.Data["messages"].(map[string]any)
	assert.Len(t, messages["GPT"], 2)
	assert.Len(t, messages["Gemini"], 1, "model absent from the merge keeps its thread")
}

func TestWritesStripNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Merge(ctx, "users", "u", map[string]any{
		"email": "u",
		"name":  nil,
		"prefs": map[string]any{"GPT": map[string]any{"enable": false, "modelId": nil}},
	}))

	doc, err := s.Get(ctx, "users", "u")
	require.NoError(t, err)
	_, hasName := doc.Data["name"]
	assert.False(t, hasName)
	gpt := doc.Data["prefs"].(map[string]any)["GPT"].(map[string]any)
	_, hasModel := gpt["modelId"]
	assert.False(t, hasModel)
}

func TestSanitize(t *testing.T) {
	var nilStr *string
	id := "gpt-4o-mini"
	in := map[string]any{
		"a":    nil,
		"b":    1,
		"list": []any{nil, "x", map[string]any{"c": nil, "d": "e"}},
		"p":    nilStr,
		"q":    &id,
	}

	out := Sanitize(in)
	assert.Equal(t, map[string]any{
		"b":    1,
		"list": []any{"x", map[string]any{"d": "e"}},
		"q":    "gpt-4o-mini",
	}, out)
	assert.Contains(t, in, "a", "input is not modified")
	assert.Equal(t, map[string]any{}, Sanitize(nil))
}

func TestQueryByField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "chatHistory", "c1", map[string]any{"ownerIdentity": "a@example.com"}))
	require.NoError(t, s.Set(ctx, "chatHistory", "c2", map[string]any{"ownerIdentity": "b@example.com"}))
	require.NoError(t, s.Set(ctx, "chatHistory", "c3", map[string]any{"ownerIdentity": "a@example.com"}))
	require.NoError(t, s.Set(ctx, "users", "a@example.com", map[string]any{"ownerIdentity": "a@example.com"}))

	docs, err := s.Query(ctx, "chatHistory", "ownerIdentity", "a@example.com")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c1", docs[0].ID)
	assert.Equal(t, "c3", docs[1].ID)

	_, err = s.Query(ctx, "chatHistory", "x'); DROP TABLE documents; --", "a")
	assert.Error(t, err)
}

func TestWatchReemitsOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, "chatHistory", "c1", map[string]any{"ownerIdentity": "a@example.com"}))

	ch, err := s.Watch(ctx, "chatHistory", "ownerIdentity", "a@example.com")
	require.NoError(t, err)

	first := receive(t, ch)
	require.Len(t, first, 1)

	require.NoError(t, s.Merge(ctx, "chatHistory", "c2", map[string]any{"ownerIdentity": "a@example.com"}))

	require.Eventually(t, func() bool {
		select {
		case docs := <-ch:
			return len(docs) == 2
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchIgnoresOtherCollections(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "chatHistory", "ownerIdentity", "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, receive(t, ch))

	require.NoError(t, s.Set(ctx, "users", "a@example.com", map[string]any{"plan": "free"}))

	select {
	case docs := <-ch:
		t.Fatalf("unexpected emission %v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchClosesWithStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)

	ch, err := s.Watch(context.Background(), "chatHistory", "ownerIdentity", "a")
	require.NoError(t, err)
	receive(t, ch)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": "keep"}
	src := map[string]any{"a": map[string]any{"y": 3}, "c": []any{1}}

	got := deepMerge(dst, src)
	assert.Equal(t, map[string]any{
		"a": map[string]any{"x": 1, "y": 3},
		"b": "keep",
		"c": []any{1},
	}, got)
}

func receive(t *testing.T, ch <-chan []Document) []Document {
	t.Helper()
	select {
	case docs, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return docs
	case <-time.After(2 * time.Second):
		t.Fatal("no emission from watch")
		return nil
	}
}

func TestPruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "chatHistory", "old", map[string]any{"lastUpdated": 1000}))
	require.NoError(t, s.Set(ctx, "chatHistory", "new", map[string]any{"lastUpdated": 5000}))
	require.NoError(t, s.Set(ctx, "chatHistory", "undated", map[string]any{"title": "x"}))
	require.NoError(t, s.Set(ctx, "users", "old-user", map[string]any{"lastUpdated": 1000}))

	n, err := s.PruneBefore(ctx, "chatHistory", "lastUpdated", 2000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "chatHistory", "old")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{"new", "undated"} {
		_, err := s.Get(ctx, "chatHistory", id)
		assert.NoError(t, err, id)
	}
	_, err = s.Get(ctx, "users", "old-user")
	assert.NoError(t, err)

	_, err = s.PruneBefore(ctx, "chatHistory", "bad field;", 0)
	assert.Error(t, err)
}
