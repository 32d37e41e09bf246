// Package knowledge stores task guides the planner can ground its plans on.
// Two backends exist: a fast in-memory store for single sessions and tests,
// and a PostgreSQL store for shared, persistent guide libraries.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

// MemoryStore is an ephemeral guide store. Great for tests and for runs that
// ship with a bundled guide set and need no persistence.
type MemoryStore struct {
	mu     sync.RWMutex
	guides map[string]schemas.Guide
	log    *zap.Logger
}

var _ schemas.GuideStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory guide store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		guides: make(map[string]schemas.Guide),
		log:    logger.Named("knowledge.memory"),
	}
}

// Put adds or replaces a guide.
func (m *MemoryStore) Put(guide schemas.Guide) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guides[guide.ID] = guide
	m.log.Debug("Guide stored", zap.String("id", guide.ID), zap.String("title", guide.Title))
}

// Search ranks guides against the query by keyword overlap. Keyword hits
// weigh more than title hits, title hits more than step-text hits. Guides
// with zero overlap are not returned.
func (m *MemoryStore) Search(_ context.Context, query string, limit int) ([]schemas.Guide, error) {
	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		guide schemas.Guide
		score int
	}
	var hits []scored
	for _, g := range m.guides {
		if s := scoreGuide(g, terms); s > 0 {
			hits = append(hits, scored{guide: g, score: s})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].guide.Title < hits[j].guide.Title
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]schemas.Guide, len(hits))
	for i, h := range hits {
		results[i] = h.guide
	}
	return results, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() {}

func scoreGuide(g schemas.Guide, terms []string) int {
	score := 0
	title := strings.ToLower(g.Title)
	app := strings.ToLower(g.AppName)
	for _, term := range terms {
		for _, kw := range g.Keywords {
			if strings.ToLower(kw) == term {
				score += 3
			}
		}
		if strings.Contains(title, term) {
			score += 2
		}
		if app != "" && strings.Contains(app, term) {
			score += 2
		}
		for _, step := range g.Steps {
			if strings.Contains(strings.ToLower(step), term) {
				score++
				break
			}
		}
	}
	return score
}

// stopwords are query words so common they would match almost any step text.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "you": {}, "your": {}, "with": {},
	"from": {}, "that": {}, "this": {}, "then": {}, "into": {}, "onto": {},
	"how": {}, "can": {}, "could": {}, "would": {}, "please": {}, "want": {},
}

// tokenize lowercases and splits a query, dropping short words and stopwords
// that would match everything.
func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()`)
		if len(f) < 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
