// Package move pairs move-add and move-delete events discovered out of order
// within a single change (spec §4.2, §2.3 MoveTracker).
package move

import "github.com/rcowham/p4transfer/model"

// entryKind is the tagged union spec.md's Design Notes ask for: "each entry is
// either AddOnly, DeleteOnly, or Paired".
type entryKind int

const (
	addOnly entryKind = iota
	deleteOnly
	paired
)

type entry struct {
	kind       entryKind
	addRev     *model.Revision
	deleteRev  *model.Revision
	addPartner string // depot path the add side names as its move-from partner
}

// Pair is a resolved move-add/move-delete pair.
type Pair struct {
	Add    *model.Revision
	Delete *model.Revision
	// Special marks the reserved branch-with-view side channel (spec §4.2
	// "special-move"): a move/add with exactly two integration edges (one
	// "moved from", one "copy from") whose partner move/delete itself carries a
	// "branch from" edge. The paths of those edges are not compared, and no
	// other revision of the change is consulted.
	Special bool
}

// Tracker is the per-change state machine described in spec §4.2.
type Tracker struct {
	policy  model.CasePolicy
	entries map[string]*entry // keyed by the move/delete's depot path (the canonical pairing key)
	byAdd   map[string]*entry // keyed by the move/add's depot path, for trackAdd lookups
}

// NewTracker constructs an empty per-change tracker.
func NewTracker(policy model.CasePolicy) *Tracker {
	return &Tracker{
		policy:  policy,
		entries: make(map[string]*entry),
		byAdd:   make(map[string]*entry),
	}
}

func (t *Tracker) key(path string) string {
	return t.policy.Normalize(path)
}

// TrackDelete registers a move/delete revision. partnerDepotPath is the depot path
// the delete's filelog names as its move-into target (the add side).
func (t *Tracker) TrackDelete(rev *model.Revision, partnerDepotPath string) {
	k := t.key(partnerDepotPath)
	if e, ok := t.byAdd[k]; ok {
		e.kind = paired
		e.deleteRev = rev
		t.entries[t.key(rev.DepotFile)] = e
		return
	}
	e := &entry{kind: deleteOnly, deleteRev: rev}
	t.entries[t.key(rev.DepotFile)] = e
	t.byAdd[k] = e // reserve the slot so a later trackAdd finds it
}

// TrackAdd registers a move/add revision. partnerDepotPath is the depot path the
// add's filelog names as its move-from source (the delete side).
func (t *Tracker) TrackAdd(rev *model.Revision, partnerDepotPath string) {
	k := t.key(partnerDepotPath)
	if e, ok := t.entries[k]; ok && e.kind == deleteOnly {
		e.kind = paired
		e.addRev = rev
		e.addPartner = partnerDepotPath
		t.byAdd[t.key(rev.DepotFile)] = e
		return
	}
	e := &entry{kind: addOnly, addRev: rev, addPartner: partnerDepotPath}
	t.byAdd[t.key(rev.DepotFile)] = e
	// Reserve under the partner key too, so a trackDelete arriving afterwards for
	// this same logical pair (out-of-order discovery) lands on the same entry.
	if _, ok := t.entries[k]; !ok {
		t.entries[k] = e
	}
}

// specialMoveTest decides whether a paired move qualifies as the reserved
// branch-with-view side channel (spec §4.2), by the edge kinds described on
// Pair.Special; edge paths are not matched.
func specialMoveTest(add, del *model.Revision) bool {
	if add == nil || del == nil {
		return false
	}
	if len(add.Integrations) != 2 {
		return false
	}
	var hasMovedFrom, hasCopyFrom bool
	for _, in := range add.Integrations {
		switch in.How {
		case model.MovedFrom:
			hasMovedFrom = true
		case model.CopyFrom:
			hasCopyFrom = true
		}
	}
	if !hasMovedFrom || !hasCopyFrom {
		return false
	}
	for _, in := range del.Integrations {
		if in.How == model.BranchFrom {
			return true
		}
	}
	return false
}

// Resolve folds the two maps of tracked entries into: a set of canonical matched
// move pairs, plus the side-effect of downgrading any unpaired add/delete in place
// (spec §4.2: "Unpaired adds are downgraded... unless special-move support is
// available"; "Unpaired deletes become plain delete").
func (t *Tracker) Resolve() []Pair {
	seen := make(map[*entry]bool)
	var pairs []Pair
	for _, e := range t.entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		switch e.kind {
		case paired:
			pairs = append(pairs, Pair{
				Add:     e.addRev,
				Delete:  e.deleteRev,
				Special: specialMoveTest(e.addRev, e.deleteRev),
			})
		case deleteOnly:
			e.deleteRev.Downgrade(model.Delete)
		case addOnly:
			e.addRev.Downgrade(model.Add)
		}
	}
	for _, e := range t.byAdd {
		if seen[e] {
			continue
		}
		seen[e] = true
		if e.kind == addOnly {
			e.addRev.Downgrade(model.Add)
		}
	}
	return pairs
}
