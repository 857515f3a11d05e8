package canonical

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/longmem/store"
)

type fakeDriver struct {
	store.Driver

	memories []*store.Memory
	updated  *store.UpdateMemory
}

func (d *fakeDriver) ListMemories(_ context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	matches := []*store.Memory{}
	for _, m := range d.memories {
		if find.UserID != nil && m.UserID != *find.UserID {
			continue
		}
		if len(find.Types) > 0 && m.Type != find.Types[0] {
			continue
		}
		if find.ContentLike != nil && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(*find.ContentLike)) {
			continue
		}
		matches = append(matches, m)
		if find.Limit > 0 && len(matches) >= find.Limit {
			break
		}
	}
	return matches, nil
}

func (d *fakeDriver) UpdateMemory(_ context.Context, update *store.UpdateMemory) (*store.Memory, error) {
	d.updated = update
	for _, m := range d.memories {
		if m.ID == update.ID {
			updated := *m
			if update.Content != nil {
				updated.Content = *update.Content
			}
			if update.Confidence != nil {
				updated.Confidence = *update.Confidence
			}
			if update.SourceTurn != nil {
				updated.SourceTurn = *update.SourceTurn
			}
			if update.BumpVersion {
				updated.Version = m.Version + 1
			}
			return &updated, nil
		}
	}
	return nil, nil
}

func newTestResolver(driver *fakeDriver) *Resolver {
	return NewResolver(store.New(driver, nil))
}

func TestDetectKey(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"prefers morning calls", "call_time"},
		{"wants all replies in Spanish language", "language"},
		{"is allergic to peanuts", "allergies"},
		{"keep answers brief", "brevity"},
		{"enjoys hiking on weekends", ""},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectKey(tt.content))
		})
	}
}

func TestResolveUpdatesExisting(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{
				ID:      "mem-1",
				UserID:  "user-1",
				Type:    store.MemoryTypePreference,
				Content: "prefers morning calls",
				Version: 2,
			},
		},
	}
	resolver := newTestResolver(driver)

	updated, err := resolver.Resolve(context.Background(), &store.Memory{
		UserID:     "user-1",
		Type:       store.MemoryTypePreference,
		Content:    "prefers 11am calls",
		Confidence: 0.9,
		SourceTurn: 600,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, "mem-1", updated.ID)
	assert.Equal(t, "prefers 11am calls", updated.Content)
	assert.Equal(t, int32(3), updated.Version)

	require.NotNil(t, driver.updated)
	assert.True(t, driver.updated.BumpVersion)
	assert.Equal(t, 600, *driver.updated.SourceTurn)
}

func TestResolveNoExistingMemory(t *testing.T) {
	resolver := newTestResolver(&fakeDriver{})

	updated, err := resolver.Resolve(context.Background(), &store.Memory{
		UserID:  "user-1",
		Type:    store.MemoryTypePreference,
		Content: "prefers morning calls",
	})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestResolveNonCanonicalContent(t *testing.T) {
	resolver := newTestResolver(&fakeDriver{})

	updated, err := resolver.Resolve(context.Background(), &store.Memory{
		UserID:  "user-1",
		Type:    store.MemoryTypePreference,
		Content: "enjoys hiking on weekends",
	})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestResolveOnlyCompressesPreferencesAndInstructions(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{
				ID:      "mem-1",
				UserID:  "user-1",
				Type:    store.MemoryTypeFact,
				Content: "had a phone call with recruiter",
			},
		},
	}
	resolver := newTestResolver(driver)

	updated, err := resolver.Resolve(context.Background(), &store.Memory{
		UserID:  "user-1",
		Type:    store.MemoryTypeFact,
		Content: "had a phone call with recruiter again",
	})
	require.NoError(t, err)
	assert.Nil(t, updated)
	assert.Nil(t, driver.updated)
}

func TestResolveScopedToUserAndType(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{
				ID:      "mem-other",
				UserID:  "user-2",
				Type:    store.MemoryTypePreference,
				Content: "prefers morning calls",
			},
		},
	}
	resolver := newTestResolver(driver)

	updated, err := resolver.Resolve(context.Background(), &store.Memory{
		UserID:  "user-1",
		Type:    store.MemoryTypePreference,
		Content: "prefers afternoon calls",
	})
	require.NoError(t, err)
	assert.Nil(t, updated)
}
