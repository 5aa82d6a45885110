package model

// How is the integration method attached to an Integration edge (spec §3, §4.5's
// integration-replay dispatch table). The name set mirrors Perforce's own db.integed
// "how" vocabulary (see the teacher's journal.go header comment, which documents the
// same db.integed field layout this enum now replaces as live ChangeModel data
// instead of raw journal bytes).
type How int

const (
	HowUnknown How = iota
	BranchFrom
	BranchInto
	AddFrom
	EditFrom
	CopyFrom
	MergeFrom
	Ignored
	DeleteFrom
	DeleteInto
	MovedFrom
	MovedInto
)

func (h How) String() string {
	switch h {
	case BranchFrom:
		return "branch from"
	case BranchInto:
		return "branch into"
	case AddFrom:
		return "add from"
	case EditFrom:
		return "edit from"
	case CopyFrom:
		return "copy from"
	case MergeFrom:
		return "merge from"
	case Ignored:
		return "ignored"
	case DeleteFrom:
		return "delete from"
	case DeleteInto:
		return "delete into"
	case MovedFrom:
		return "moved from"
	case MovedInto:
		return "moved into"
	default:
		return "unknown"
	}
}

// ParseHow parses the literal strings `p4 filelog -i` reports for an integration.
func ParseHow(s string) How {
	switch s {
	case "branch from":
		return BranchFrom
	case "branch into":
		return BranchInto
	case "add from":
		return AddFrom
	case "edit from":
		return EditFrom
	case "copy from":
		return CopyFrom
	case "merge from":
		return MergeFrom
	case "ignored":
		return Ignored
	case "delete from":
		return DeleteFrom
	case "delete into":
		return DeleteInto
	case "moved from":
		return MovedFrom
	case "moved into":
		return MovedInto
	default:
		return HowUnknown
	}
}

// IsFromEdge reports whether how is one SourceReader keeps (spec §4.2: "filtering
// for edges whose `how` is either 'from' or 'ignored'").
func (h How) IsFromEdge() bool {
	switch h {
	case BranchFrom, AddFrom, EditFrom, CopyFrom, MergeFrom, Ignored, DeleteFrom, MovedFrom:
		return true
	default:
		return false
	}
}

// Integration is a directed lineage edge attached to a Revision (spec §3).
type Integration struct {
	How             How
	FromPath        string
	LocalFromPath   string // empty ("") if unmapped -> content-only integration
	SRev            int
	ERev            int
}

// Unmapped reports whether this edge falls outside the configured view (spec §3
// invariant: "A Revision's integrations reference only paths within the configured
// view *or* carry null localFromPath").
func (i Integration) Unmapped() bool {
	return i.LocalFromPath == ""
}
