package p4

import (
	"strings"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/node"
)

// Workspace is a per-endpoint client definition: an ordered set of view
// lines translating depot paths to local paths (spec §3 ClientMapping), plus
// a case-aware tree of materialized files so the replayer can answer
// "does this path already exist on disk" without a syscall per revision.
//
// DummyView supports the target workspace trick spec §9 describes: when the
// protocol's fetch semantics would otherwise auto-sync unwanted data, the
// saved client view deliberately contains only a dummy mapping and real
// paths are opened explicitly instead of being pulled in by a broad sync.
type Workspace struct {
	Root      string
	ViewLines []ViewLine
	CasePolicy model.CasePolicy
	DummyView bool

	tree *node.Node
}

// NewWorkspace builds a Workspace from config views, translating `views:`
// entries (spec §6) into ViewLine pairs rooted at root.
func NewWorkspace(root string, views []config.View, policy model.CasePolicy, dummyView bool) *Workspace {
	w := &Workspace{Root: root, CasePolicy: policy, DummyView: dummyView, tree: node.NewNode("", !policy.CaseSensitive)}
	if dummyView {
		w.ViewLines = []ViewLine{{Depot: "//depot/dummy-view-only/...", Client: "dummy/..."}}
		return w
	}
	for _, v := range views {
		depot := v.Src
		if v.Exclude {
			depot = "-" + depot
		}
		w.ViewLines = append(w.ViewLines, ViewLine{Depot: depot, Client: v.Targ})
	}
	return w
}

// LocalPath maps a depot path to a local filesystem path using the last
// matching view line (later exclusions remove earlier inclusions), the
// standard Perforce view precedence rule. Returns "" (unmapped) when no
// view line matches, matching spec §3's "nullable if unmapped".
func (w *Workspace) LocalPath(depotPath string) string {
	var matched string
	for _, v := range w.ViewLines {
		excluded := strings.HasPrefix(v.Depot, "-")
		depot := strings.TrimPrefix(v.Depot, "-")
		prefix := strings.TrimSuffix(depot, "...")
		if !strings.HasPrefix(w.CasePolicy.Normalize(depotPath), w.CasePolicy.Normalize(prefix)) {
			continue
		}
		rest := depotPath[len(prefix):]
		if excluded {
			matched = ""
			continue
		}
		clientPrefix := strings.TrimSuffix(v.Client, "...")
		matched = w.Root + "/" + clientPrefix + rest
	}
	return matched
}

// MarkPresent and MarkAbsent keep the local materialization tree current as
// the replayer adds/deletes files, so callers can ask HasLocalFile cheaply.
func (w *Workspace) MarkPresent(localPath string) { w.tree.AddFile(localPath) }
func (w *Workspace) MarkAbsent(localPath string)  { w.tree.DeleteFile(localPath) }
func (w *Workspace) HasLocalFile(localPath string) bool { return w.tree.FindFile(localPath) }
