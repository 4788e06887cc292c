package search

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/store"
)

func newIndex(t *testing.T, packs ...*meta.PackMeta) *Index {
	t.Helper()
	s := store.New(afero.NewMemMapFs(), "/data")
	for _, p := range packs {
		if err := s.Create(context.Background(), p); err != nil {
			t.Fatalf("Create(%q) failed: %v", p.ID, err)
		}
	}
	return New(s)
}

func pack(id, name, desc, loader, version string) *meta.PackMeta {
	m := meta.NewPackMeta(meta.PublishRequest{
		ID: id, Name: name, Desc: desc, Loader: loader, Version: version,
	}, "pub", "publisher")
	return m
}

func TestFindLikeTokenRule(t *testing.T) {
	ix := newIndex(t,
		pack("sf4", "Sky Factory 4", "skyblock automation", "forge", "4.2.4"),
		pack("e2e", "Enigmatica 2 Expert", "expert questing", "forge", "1.90"),
	)

	tests := []struct {
		query    string
		expected []string
	}{
		{"factory sky", []string{"sf4"}},   // order-independent
		{"SKY FACTORY", []string{"sf4"}},   // case-insensitive
		{"sky factory 9", nil},             // every token must match
		{"enigmatica expert", []string{"e2e"}},
		{"", []string{"sf4", "e2e"}},       // empty query matches all
	}
	for _, tt := range tests {
		got := ix.FindLike(tt.query, "u1", "alice")
		if !sameSet(got, tt.expected) {
			t.Errorf("FindLike(%q) = %v, want %v", tt.query, got, tt.expected)
		}
	}
}

func TestFindLikeFallbacks(t *testing.T) {
	ix := newIndex(t,
		pack("p1", "Alpha", "a skyblock pack", "forge", "4.2.4"),
		pack("p2", "Beta", "kitchen sink", "fabric", "1.0.0"),
	)

	tests := []struct {
		query    string
		expected []string
	}{
		{"skyblock", []string{"p1"}}, // description substring
		{"4.2", []string{"p1"}},      // raw version substring
		{"FABRIC", []string{"p2"}},   // loader, case-folded
		{"quilt", nil},
	}
	for _, tt := range tests {
		got := ix.FindLike(tt.query, "u1", "alice")
		if !sameSet(got, tt.expected) {
			t.Errorf("FindLike(%q) = %v, want %v", tt.query, got, tt.expected)
		}
	}
}

func TestFindLikeWhitelist(t *testing.T) {
	private := pack("priv", "Private Pack", "", "forge", "1.0")
	private.Whitelist = []string{"u2", "carol"}
	ix := newIndex(t, private, pack("pub1", "Open Pack", "", "forge", "1.0"))

	if got := ix.FindLike("pack", "u1", "alice"); !sameSet(got, []string{"pub1"}) {
		t.Errorf("unlisted user sees %v, want only pub1", got)
	}
	if got := ix.FindLike("pack", "u2", "bob"); !sameSet(got, []string{"priv", "pub1"}) {
		t.Errorf("whitelisted uid sees %v, want both", got)
	}
	if got := ix.FindLike("pack", "u9", "carol"); !sameSet(got, []string{"priv", "pub1"}) {
		t.Errorf("whitelisted uname sees %v, want both", got)
	}
}

func TestGetLike(t *testing.T) {
	ix := newIndex(t, pack("p1", "Alpha", "", "forge", "1.0"))
	metas := ix.GetLike(context.Background(), "alpha", "u1", "alice")
	if len(metas) != 1 || metas[0].ID != "p1" {
		t.Errorf("GetLike = %v, want one snapshot for p1", metas)
	}
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]bool, len(got))
	for _, g := range got {
		seen[g] = true
	}
	for _, w := range want {
		if !seen[w] {
			return false
		}
	}
	return true
}
