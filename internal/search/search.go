// Package search implements fuzzy matching over cached pack metadata.
// Results are unordered sets; there is no scoring.
package search

import (
	"context"
	"strings"

	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/store"
)

// Index resolves search queries against the pack store. It only reads.
type Index struct {
	store *store.Store
}

// New creates an index over the given store.
func New(s *store.Store) *Index {
	return &Index{store: s}
}

// FindLike returns the ids of every visible pack matching the query.
//
// A candidate matches, first rule wins:
//  1. every whitespace token of the query appears among the tokens of
//     the pack name (case-insensitive, order-independent), or
//  2. the description contains the case-folded query, or
//  3. the version string contains the raw query, or
//  4. the loader identifier contains the case-folded query.
//
// Packs with a non-empty whitelist are skipped unless the requester's
// uid or name is listed. An empty query matches every visible pack.
func (ix *Index) FindLike(query, uid, uname string) []string {
	var similar []string
	lowered := strings.ToLower(query)
	queryTokens := tokenize(query)

	ix.store.ForEach(func(id string, m *meta.PackMeta) bool {
		if len(m.Whitelist) > 0 && !contains(m.Whitelist, uid) && !contains(m.Whitelist, uname) {
			return true
		}

		matches := tokensMatch(queryTokens, tokenize(m.Name))
		if !matches {
			matches = strings.Contains(strings.ToLower(m.Desc), lowered)
		}
		if !matches {
			matches = strings.Contains(m.Version, query)
		}
		if !matches {
			matches = strings.Contains(strings.ToLower(m.Loader), lowered)
		}

		if matches {
			similar = append(similar, id)
		}
		return true
	})

	return similar
}

// GetLike resolves the same query to full metadata snapshots, skipping
// any pack that fails to load.
func (ix *Index) GetLike(ctx context.Context, query, uid, uname string) []*meta.PackMeta {
	ids := ix.FindLike(query, uid, uname)
	metas := make([]*meta.PackMeta, 0, len(ids))
	for _, id := range ids {
		snap, err := ix.store.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		metas = append(metas, snap)
	}
	return metas
}

// tokensMatch reports whether every query token appears among the name
// tokens. An empty query token list trivially matches.
func tokensMatch(query, name []string) bool {
	for _, q := range query {
		if !contains(name, q) {
			return false
		}
	}
	return true
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.TrimSpace(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToLower(f))
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
