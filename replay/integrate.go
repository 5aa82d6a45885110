package replay

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
)

// integrationReplay processes a revision's integration edges in *reverse*
// source order so the terminal edge sets the observable disk content (spec
// §5 "Ordering guarantees"), dispatching each edge by its `how` (spec §4.5's
// table) through the retry-with-added-flag integrate loop.
func (t *TargetReplayer) integrationReplay(ctx context.Context, rv *model.Revision, dirty bool) error {
	for i := len(rv.Integrations) - 1; i >= 0; i-- {
		if err := t.replayEdge(ctx, rv, rv.Integrations[i]); err != nil {
			return fmt.Errorf("integration edge %s %s: %w", rv.Integrations[i].How, rv.Integrations[i].FromPath, err)
		}
	}
	if len(rv.Integrations) == 0 && dirty {
		// No edges survived historical-start pruning; fall back to a plain add
		// so the revision still materializes (spec §4.4's pruning note).
		return t.Client.Add(ctx, rv.LocalPath, t.fileType(*rv))
	}
	return nil
}

// errorFlagTable is spec §4.5's recognized-error-pattern -> remedial-flag
// table for the retry-with-added-flag integrate loop.
var errorFlagTable = []struct {
	pattern string
	flag    string
}{
	{"can't integrate without -i", "-i"},
	{"can't delete without -d", "-d"},
	{"can't integrate across move without -Di", "-Di"},
	{"can't branch from deleted without -Dt", "-Dt"},
	{"was remapped", "-2"},
}

const maxIntegrateRetries = 8

// replayEdge drives the retry-with-added-flag loop for a single edge: attempt
// with a minimal flag set, add the remedial flag when a recognized error
// pattern is hit, and retry, until no new pattern matches or an "ignore"
// marker is set.
func (t *TargetReplayer) replayEdge(ctx context.Context, rv *model.Revision, edge model.Integration) error {
	flags := baseFlagsForHow(edge.How)
	srev, erev := edge.SRev, edge.ERev
	usedForce := false
	ignore := false

	for attempt := 0; attempt < maxIntegrateRetries; attempt++ {
		args := append([]string{}, flags...)
		fromSpec := fmt.Sprintf("%s#%d,#%d", edge.FromPath, max1(srev), max1(erev))
		result, err := t.Client.Integrate(ctx, args, fromSpec, rv.LocalPath)
		if err != nil {
			return err
		}
		if result.AllEmpty {
			if usedForce {
				ignore = true
				rv.Ignored = true
			}
			break
		}
		if result.Warning != "" {
			if strings.Contains(result.Warning, "all revision(s) already integrated") {
				if !hasFlag(flags, "-f") {
					flags = append(flags, "-f")
					usedForce = true
					continue
				}
				ignore = true
				break
			}
			if strings.Contains(result.Warning, "no revision(s) above that one") {
				if srev > 0 {
					srev--
				}
				if erev > 0 {
					erev--
				}
				continue
			}
			matched := false
			for _, e := range errorFlagTable {
				if strings.Contains(result.Warning, e.pattern) && !hasFlag(flags, e.flag) {
					flags = append(flags, e.flag)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			return fmt.Errorf("unrecognized integrate warning: %s", result.Warning)
		}
		break // OK
	}
	if ignore {
		return nil
	}
	return t.resolveForHow(ctx, rv, edge)
}

// baseFlagsForHow seeds the minimal flag set the retry loop starts from; the
// loop itself (not this table) is responsible for adding remedial flags as
// recognized error patterns come back (spec §4.5).
func baseFlagsForHow(how model.How) []string {
	switch how {
	case model.DeleteFrom, model.DeleteInto:
		return []string{"-d"}
	default:
		return nil
	}
}

func hasFlag(flags []string, f string) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// resolveForHow applies the resolve/recovery step that follows a successful
// integrate for each `how` (spec §4.5's table, right column).
func (t *TargetReplayer) resolveForHow(ctx context.Context, rv *model.Revision, edge model.Integration) error {
	switch edge.How {
	case model.AddFrom, model.BranchFrom:
		if err := t.Client.Add(ctx, rv.LocalPath, t.fileType(*rv)); err != nil && !isAlreadyExists(err) {
			return err
		}
		if edge.How == model.BranchFrom {
			_, err := t.Client.Resolve(ctx, p4.ResolveInteractiveAcceptTheirs, rv.LocalPath)
			return err
		}
		return nil

	case model.EditFrom:
		_, err := t.Client.Resolve(ctx, p4.ResolveAcceptEdit, rv.LocalPath)
		return err

	case model.CopyFrom:
		res, err := t.Client.Resolve(ctx, p4.ResolveAcceptTheirs, rv.LocalPath)
		if err != nil {
			return err
		}
		if res.Tampered {
			return t.Client.Edit(ctx, rv.LocalPath, t.fileType(*rv))
		}
		return nil

	case model.MergeFrom:
		res, err := t.Client.Resolve(ctx, p4.ResolveAcceptMerge, rv.LocalPath)
		if err != nil {
			return err
		}
		if res.Skipped || res.Tampered {
			return t.resolveForHow(ctx, rv, model.Integration{How: model.EditFrom, FromPath: edge.FromPath, SRev: edge.SRev, ERev: edge.ERev})
		}
		return nil

	case model.Ignored:
		res, err := t.Client.Resolve(ctx, p4.ResolveAcceptYours, rv.LocalPath)
		if err != nil {
			return err
		}
		if res.Deleted {
			if err := t.Client.Revert(ctx, rv.LocalPath, false); err != nil {
				return err
			}
			_, err := t.Client.Integrate(ctx, []string{"-Rb"}, edge.FromPath, rv.LocalPath)
			return err
		}
		return nil

	case model.DeleteFrom, model.DeleteInto:
		if err := t.Client.Delete(ctx, rv.LocalPath); err != nil {
			if isAlreadyExists(err) {
				return nil
			}
			return err
		}
		return nil

	default:
		return nil
	}
}

// reconcileFiletypes enumerates opened target files and reopens any whose
// type differs from the expected source type (spec §4.5 "Filetype
// reconciliation before submit"). The exclusive-lock type (+l) can't be
// reopened directly and instead requires a revert-keep + re-add/re-edit.
func (t *TargetReplayer) reconcileFiletypes(ctx context.Context, revisions []model.Revision) error {
	wantType := make(map[string]model.FileType, len(revisions))
	for _, rv := range revisions {
		if rv.LocalPath != "" {
			wantType[rv.LocalPath] = t.fileType(rv)
		}
	}
	opened, err := t.Client.OpenedFiles(ctx)
	if err != nil {
		return err
	}
	for _, local := range opened {
		want, ok := wantType[local]
		if !ok {
			continue
		}
		got, err := t.Client.Fstat(ctx, local)
		if err != nil {
			continue
		}
		have := model.ParseFileType(got.HeadType)
		if have == want {
			continue
		}
		if want.Exclusive() || have.Exclusive() {
			if err := t.Client.Revert(ctx, local, true); err != nil {
				return err
			}
			if err := t.Client.Edit(ctx, local, want); err != nil {
				if err := t.Client.Add(ctx, local, want); err != nil {
					return err
				}
			}
			continue
		}
		if err := t.Client.Reopen(ctx, local, want); err != nil {
			return err
		}
	}
	return nil
}
