package resolver

import (
	"context"
	"errors"
	"testing"

	"coopmsg/internal/domain"
	"coopmsg/internal/store"
)

type fakeContacts struct {
	contacts map[string]store.Contact
	groups   map[string][]store.Contact
	err      error
}

func (f *fakeContacts) GetContact(ctx context.Context, id string) (store.Contact, bool, error) {
	if f.err != nil {
		return store.Contact{}, false, f.err
	}
	c, ok := f.contacts[id]
	return c, ok, nil
}

func (f *fakeContacts) GetContactsInGroup(ctx context.Context, gid string) ([]store.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.groups[gid], nil
}

func TestResolveDeduplicatesAcrossContactsAndGroups(t *testing.T) {
	// one group with 3 members, one of whom duplicates a directly listed
	// contact, plus that direct contact => exactly 3 destinations
	alice := store.Contact{ID: "c1", DisplayName: "Alice", RawAddress: "+254 700 000 001"}
	src := &fakeContacts{
		contacts: map[string]store.Contact{"c1": alice},
		groups: map[string][]store.Contact{
			"g1": {
				alice,
				{ID: "c2", DisplayName: "Bob", RawAddress: "+254700000002"},
				{ID: "c3", DisplayName: "Cara", RawAddress: "+254700000003"},
			},
		},
	}

	r := &Resolver{Contacts: src}
	res, err := r.Resolve(context.Background(), domain.TargetSpec{
		ContactIDs: []string{"c1"},
		GroupIDs:   []string{"g1"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.TotalCount != 3 || len(res.Destinations) != 3 {
		t.Fatalf("expected 3 destinations, got %d", res.TotalCount)
	}
	// direct contact wins first-seen position and provenance
	if res.Destinations[0].Address != "+254700000001" || res.Destinations[0].SourceGroupID != "" {
		t.Fatalf("expected direct contact first, got %+v", res.Destinations[0])
	}
	seen := map[string]bool{}
	for _, d := range res.Destinations {
		if seen[d.Address] {
			t.Fatalf("duplicate destination %s", d.Address)
		}
		seen[d.Address] = true
	}
}

func TestResolveCountsInvalidAddresses(t *testing.T) {
	src := &fakeContacts{
		contacts: map[string]store.Contact{
			"c1": {ID: "c1", RawAddress: "garbage"},
			"c2": {ID: "c2", RawAddress: "+254700000002"},
		},
	}
	r := &Resolver{Contacts: src}
	res, err := r.Resolve(context.Background(), domain.TargetSpec{ContactIDs: []string{"c1", "c2", "missing"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.TotalCount != 1 {
		t.Fatalf("expected 1 valid destination, got %d", res.TotalCount)
	}
	if res.InvalidCount != 2 {
		t.Fatalf("expected 2 invalid (bad address + missing contact), got %d", res.InvalidCount)
	}
}

func TestResolveEmptySpecIsNotAnError(t *testing.T) {
	r := &Resolver{Contacts: &fakeContacts{}}
	res, err := r.Resolve(context.Background(), domain.TargetSpec{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.TotalCount != 0 || len(res.Destinations) != 0 {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
}

func TestResolveStoreFailureSurfaces(t *testing.T) {
	r := &Resolver{Contacts: &fakeContacts{err: errors.New("connection refused")}}
	_, err := r.Resolve(context.Background(), domain.TargetSpec{GroupIDs: []string{"g1"}})
	if err == nil {
		t.Fatalf("expected error when contact store is unreachable")
	}
}
