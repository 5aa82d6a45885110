package model

// Revision is one file's state at one change (spec §3).
type Revision struct {
	DepotFile string
	LocalPath string
	Rev       int
	Action    Action
	FileType  FileType
	Size      int64 // -1 when unknown/nullable
	Digest    string

	Integrations []Integration

	// Move pairing, populated by move.Tracker.
	MovePartnerPath string // depotFile of the matched move/add <-> move/delete partner
	SpecialMove     bool   // reserved for the branch-with-view side channel (spec §4.2)

	// Ignored marks a revision the replayer recorded as skipped (ignore_files
	// config match, or a recovered "already applied" condition); EquivalenceChecker
	// excludes these from comparison (spec §4.6).
	Ignored bool
}

// Downgrade applies the "unmatched move becomes plain add/delete" rule (spec §3
// invariant) and any other action downgrade permitted after construction
// (move->add is the only one named in spec.md's Revision lifetime note).
func (r *Revision) Downgrade(to Action) {
	r.Action = to
	r.MovePartnerPath = ""
}

// PruneIntegrations drops edges with ERev <= 0 after historical-start rebasing
// (spec §4.4 Historical-start adjustment) and rebases the survivors.
func (r *Revision) PruneIntegrations(firstKeptRev map[string]int) {
	kept := r.Integrations[:0]
	for _, in := range r.Integrations {
		if first, ok := firstKeptRev[in.FromPath]; ok && first > 1 {
			in.ERev -= first - 1
			if in.SRev > 0 {
				in.SRev -= first - 1
				if in.SRev < 0 {
					in.SRev = 0
				}
			}
		}
		if in.ERev <= 0 {
			continue
		}
		kept = append(kept, in)
	}
	r.Integrations = kept
}

// Change is an atomic, ordered set of file revisions submitted together at the
// source (spec §3, §GLOSSARY).
type Change struct {
	SourceID    int
	User        string
	Timestamp   int64
	Description string
	Revisions   []Revision
}

// CounterRow is the append-only ChangeMap entry (spec §3, §4.8).
type CounterRow struct {
	SourcePort      string
	SourceChangeNo  int
	TargetChangeNo  int
}
