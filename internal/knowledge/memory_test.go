package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

func seedStore() *MemoryStore {
	m := NewMemoryStore(zap.NewNop())
	m.Put(schemas.Guide{
		ID:       "g-email",
		Title:    "Send an email with an attachment",
		AppName:  "Thunderbird",
		Keywords: []string{"email", "attachment", "send"},
		Steps:    []string{"Click Write", "Click Attach", "Click Send"},
	})
	m.Put(schemas.Guide{
		ID:       "g-print",
		Title:    "Print a document",
		AppName:  "Word",
		Keywords: []string{"print", "document"},
		Steps:    []string{"Open the File menu", "Click Print"},
	})
	m.Put(schemas.Guide{
		ID:       "g-wifi",
		Title:    "Connect to a wireless network",
		AppName:  "Settings",
		Keywords: []string{"wifi", "network", "wireless"},
		Steps:    []string{"Open Settings", "Click Network"},
	})
	return m
}

func TestMemorySearchRanksByRelevance(t *testing.T) {
	m := seedStore()

	got, err := m.Search(context.Background(), "send an email to my doctor", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "g-email", got[0].ID, "keyword matches outrank everything else")
}

func TestMemorySearchRespectsLimit(t *testing.T) {
	m := seedStore()

	// "click" appears in the steps of every guide.
	got, err := m.Search(context.Background(), "click", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemorySearchNoMatches(t *testing.T) {
	m := seedStore()

	got, err := m.Search(context.Background(), "defragment the tachyon array", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "zero-overlap guides must not be returned")
}

func TestMemorySearchEmptyQuery(t *testing.T) {
	m := seedStore()

	got, err := m.Search(context.Background(), "  a an ", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "short stop words alone match nothing")
}

func TestMemorySearchStopwordsCarryNoRelevance(t *testing.T) {
	m := seedStore()

	// "the" appears in g-print's step text ("Open the File menu") but must
	// not make an unrelated query match it.
	got, err := m.Search(context.Background(), "feed the goldfish", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "stopword overlap alone must score zero")

	got, err = m.Search(context.Background(), "could you please", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "a query of only stopwords matches nothing")
}

func TestMemoryPutReplaces(t *testing.T) {
	m := NewMemoryStore(zap.NewNop())
	m.Put(schemas.Guide{ID: "g1", Title: "Old title", Keywords: []string{"printing"}})
	m.Put(schemas.Guide{ID: "g1", Title: "Set the default printer", Keywords: []string{"printing"}, UpdatedAt: time.Now()})

	got, err := m.Search(context.Background(), "printing", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Set the default printer", got[0].Title)
}
