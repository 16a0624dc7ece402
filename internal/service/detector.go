package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/domain"
)

// Detector finds contradictions between a candidate proposal and the
// canonical state reachable from its referenced entities. Detection is
// pure: the only store access is loading the relevant canon-level items,
// and nothing is ever written.
type Detector struct {
	canon domain.CanonicalReader
}

func NewDetector(canon domain.CanonicalReader) *Detector {
	return &Detector{canon: canon}
}

// ConflictsFor loads the canonical items the candidate can contradict and
// runs detection over them.
func (d *Detector) ConflictsFor(ctx context.Context, p *domain.Proposal) ([]domain.Conflict, error) {
	var reachable []domain.CanonicalItem
	if p.Payload.Entity != "" {
		items, err := d.canon.ActiveByEntity(ctx, p.ChronicleID, p.Payload.Entity)
		if err != nil {
			return nil, fmt.Errorf("load canon for entity %q: %w", p.Payload.Entity, err)
		}
		reachable = append(reachable, items...)
	}
	for _, depID := range p.Payload.DependsOn {
		item, err := d.canon.GetByID(ctx, depID, p.ChronicleID)
		if err != nil {
			// A dependency outside canon cannot conflict.
			continue
		}
		reachable = append(reachable, *item)
	}
	return Detect(p, reachable), nil
}

// Detect is the pure core: candidate versus a slice of canonical items.
// Retconned items are skipped.
func Detect(p *domain.Proposal, canon []domain.CanonicalItem) []domain.Conflict {
	var conflicts []domain.Conflict
	seen := make(map[uuid.UUID]bool)
	deps := make(map[uuid.UUID]bool, len(p.Payload.DependsOn))
	for _, id := range p.Payload.DependsOn {
		deps[id] = true
	}

	for _, item := range canon {
		if item.CanonLevel != domain.CanonLevelCanon || seen[item.ID] {
			continue
		}
		seen[item.ID] = true

		if c, ok := stateConflict(p, item); ok {
			conflicts = append(conflicts, c)
		}
		if deps[item.ID] {
			if c, ok := timelineConflict(p, item); ok {
				conflicts = append(conflicts, c)
			}
		}
		if c, ok := locationConflict(p, item); ok {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// stateConflict reports mutually exclusive state tags on the same entity
// over an overlapping time window. Tags use a "key:value" form; two tags
// sharing a key with different values are mutually exclusive.
func stateConflict(p *domain.Proposal, item domain.CanonicalItem) (domain.Conflict, bool) {
	if p.Payload.Entity == "" || p.Payload.Entity != item.Payload.Entity {
		return domain.Conflict{}, false
	}
	if len(p.Payload.Tags) == 0 || len(item.Payload.Tags) == 0 {
		return domain.Conflict{}, false
	}
	if !windowsOverlap(p.Payload, item.Payload) {
		return domain.Conflict{}, false
	}

	existing := make(map[string]string, len(item.Payload.Tags))
	for _, tag := range item.Payload.Tags {
		k, v, ok := splitTag(tag)
		if ok {
			existing[k] = v
		}
	}
	for _, tag := range p.Payload.Tags {
		k, v, ok := splitTag(tag)
		if !ok {
			continue
		}
		if have, found := existing[k]; found && have != v {
			return domain.Conflict{
				Kind:   domain.ConflictState,
				ItemID: item.ID,
				Detail: fmt.Sprintf("entity %s: %s:%s contradicts %s:%s", p.Payload.Entity, k, v, k, have),
			}, true
		}
	}
	return domain.Conflict{}, false
}

// timelineConflict reports a proposed event whose time reference precedes
// an event it causally depends on.
func timelineConflict(p *domain.Proposal, dep domain.CanonicalItem) (domain.Conflict, bool) {
	if p.Kind != domain.ProposalKindEvent {
		return domain.Conflict{}, false
	}
	if p.Payload.TimeRef < dep.Payload.TimeRef {
		return domain.Conflict{
			Kind:   domain.ConflictTimeline,
			ItemID: dep.ID,
			Detail: fmt.Sprintf("event at t=%d precedes dependency at t=%d", p.Payload.TimeRef, dep.Payload.TimeRef),
		}, true
	}
	return domain.Conflict{}, false
}

// locationConflict reports an entity asserted to be in two disjoint
// locations over an overlapping time window.
func locationConflict(p *domain.Proposal, item domain.CanonicalItem) (domain.Conflict, bool) {
	if p.Payload.Entity == "" || p.Payload.Entity != item.Payload.Entity {
		return domain.Conflict{}, false
	}
	if p.Payload.Location == "" || item.Payload.Location == "" {
		return domain.Conflict{}, false
	}
	if p.Payload.Location == item.Payload.Location {
		return domain.Conflict{}, false
	}
	if !windowsOverlap(p.Payload, item.Payload) {
		return domain.Conflict{}, false
	}
	return domain.Conflict{
		Kind:   domain.ConflictLocation,
		ItemID: item.ID,
		Detail: fmt.Sprintf("entity %s in %s and %s at overlapping times", p.Payload.Entity, p.Payload.Location, item.Payload.Location),
	}, true
}

func windowsOverlap(a, b domain.Payload) bool {
	aFrom, aTo := a.Window()
	bFrom, bTo := b.Window()
	return aFrom <= bTo && bFrom <= aTo
}

func splitTag(tag string) (key, value string, ok bool) {
	i := strings.IndexByte(tag, ':')
	if i <= 0 || i == len(tag)-1 {
		return "", "", false
	}
	return tag[:i], tag[i+1:], true
}
