package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"coopmsg/internal/domain"
	"coopmsg/internal/store"
	"coopmsg/internal/util"
)

// ContactSource is the read-only view over the back-office contact tables.
// *pg.Store implements it.
type ContactSource interface {
	GetContact(ctx context.Context, contactID string) (store.Contact, bool, error)
	GetContactsInGroup(ctx context.Context, groupID string) ([]store.Contact, error)
}

// Destination is one deduplicated, normalized recipient with provenance.
type Destination struct {
	Address         string
	SourceContactID string
	SourceGroupID   string
}

type Resolution struct {
	Destinations []Destination
	TotalCount   int
	InvalidCount int
}

type Resolver struct {
	Contacts ContactSource
	Log      *slog.Logger
}

// Resolve expands a target spec into a deduplicated set of canonical
// destinations, preserving first-seen order (direct contacts first, then
// groups in spec order). Contacts whose address fails normalization are
// excluded and counted, not fatal. An unreachable contact store is the only
// error: the caller marks the broadcast failed.
func (r *Resolver) Resolve(ctx context.Context, spec domain.TargetSpec) (Resolution, error) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	var res Resolution
	seen := map[string]bool{}

	add := func(c store.Contact, groupID string) {
		dest := util.NormalizePhone(c.RawAddress)
		if dest == "" {
			res.InvalidCount++
			log.Debug("recipient excluded, address not normalizable",
				"contact_id", c.ID, "group_id", groupID)
			return
		}
		if seen[dest] {
			return
		}
		seen[dest] = true
		res.Destinations = append(res.Destinations, Destination{
			Address:         dest,
			SourceContactID: c.ID,
			SourceGroupID:   groupID,
		})
	}

	for _, id := range spec.ContactIDs {
		c, found, err := r.Contacts.GetContact(ctx, id)
		if err != nil {
			return Resolution{}, fmt.Errorf("contact lookup %s: %w", id, err)
		}
		if !found {
			res.InvalidCount++
			continue
		}
		add(c, "")
	}

	for _, gid := range spec.GroupIDs {
		members, err := r.Contacts.GetContactsInGroup(ctx, gid)
		if err != nil {
			return Resolution{}, fmt.Errorf("group expansion %s: %w", gid, err)
		}
		for _, c := range members {
			add(c, gid)
		}
	}

	res.TotalCount = len(res.Destinations)
	return res, nil
}
