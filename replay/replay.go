// Package replay implements TargetReplayer (spec §4.5): given a fetched
// source change, issue the sequence of target workspace operations that
// reproduces it, then submit. This is the largest component by design; it
// contains nearly all of the edge-case handling the rest of the system
// defers to it.
package replay

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/p4transfer/compare"
	"github.com/rcowham/p4transfer/internal/xerrors"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/move"
	"github.com/rcowham/p4transfer/p4"
)

// Result is what one replayed change produced: the target change id and the
// set of source depot paths the replayer recorded as skipped (spec §4.6:
// "files the replayer recorded as skipped" feed EquivalenceChecker's ignore set).
type Result struct {
	TargetChange int
	Ignored      map[string]bool
}

// TargetReplayer replays one source Change against the target workspace.
// It maintains no durable state between changes beyond the workspace
// contents (spec §4.5).
type TargetReplayer struct {
	Client    p4.RepoClient
	Workspace *p4.Workspace
	Policy    model.CasePolicy

	// Superuser controls whether Backdating is attempted (spec §4.5).
	Superuser bool
	// DescriptionFormat is the $sourceDescription/$sourcePort/... template
	// evaluated per change (spec §6 change_description_format).
	DescriptionFormat string
	SourcePort        string

	// NoKeywords disables RCS keyword expansion on the target regardless of
	// what the source revision's filetype carries (--nokeywords, spec §6 CLI
	// surface), for targets where keyword-expanded content is unwanted.
	NoKeywords bool

	// TimezoneOffset shifts a backdated change's date off UTC for targets
	// not configured for UTC (config target.timezone_offset, spec §9 Design
	// Notes). Accepts "+HHMM"/"-HHMM" (e.g. "+0530") or a signed integer
	// number of hours (e.g. "-5"); empty means UTC, no shift.
	TimezoneOffset string

	logger *logrus.Logger
}

// parseTimezoneOffset parses TimezoneOffset into a duration to add to a UTC
// timestamp. Returns ok=false (no shift) for an empty or unparseable value.
func parseTimezoneOffset(offset string) (time.Duration, bool) {
	if offset == "" {
		return 0, false
	}
	if len(offset) == 5 && (offset[0] == '+' || offset[0] == '-') {
		hours, herr := strconv.Atoi(offset[1:3])
		mins, merr := strconv.Atoi(offset[3:5])
		if herr == nil && merr == nil {
			d := time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
			if offset[0] == '-' {
				d = -d
			}
			return d, true
		}
	}
	if hours, err := strconv.Atoi(offset); err == nil {
		return time.Duration(hours) * time.Hour, true
	}
	return 0, false
}

// fileType is the target filetype to open a revision with: rv.FileType,
// unless NoKeywords strips its keyword-expansion modifier.
func (t *TargetReplayer) fileType(rv model.Revision) model.FileType {
	if t.NoKeywords {
		return rv.FileType.WithoutKeyword()
	}
	return rv.FileType
}

// New builds a TargetReplayer for the target endpoint.
func New(client p4.RepoClient, workspace *p4.Workspace, policy model.CasePolicy, logger *logrus.Logger) *TargetReplayer {
	return &TargetReplayer{Client: client, Workspace: workspace, Policy: policy, logger: logger}
}

// Replay drives the per-revision dispatch table, reconciles filetypes,
// submits with recovery, and (if permitted) backdates the result.
func (t *TargetReplayer) Replay(ctx context.Context, change model.Change, specialMoves []move.Pair, filelogs map[string][]p4.FilelogEntry) (*Result, error) {
	ignored := make(map[string]bool)
	specialByAdd := make(map[string]move.Pair)
	for _, p := range specialMoves {
		if p.Special && p.Add != nil {
			specialByAdd[t.Policy.Normalize(p.Add.DepotFile)] = p
		}
	}

	for i := range change.Revisions {
		rv := &change.Revisions[i]
		if rv.Ignored {
			// Already marked skipped upstream (ignore_files config match);
			// leave the target workspace untouched for this file.
			ignored[rv.DepotFile] = true
			continue
		}
		var err error
		switch rv.Action {
		case model.Edit:
			err = t.handleEdit(ctx, rv)
		case model.Add, model.Import:
			err = t.handleAdd(ctx, rv)
		case model.Delete, model.MoveDelete:
			err = t.handleDelete(ctx, rv, ignored)
		case model.Purge:
			err = t.handlePurge(ctx, rv)
		case model.Branch:
			err = t.integrationReplay(ctx, rv, false)
		case model.Integrate:
			err = t.integrationReplay(ctx, rv, true)
		case model.MoveAdd:
			err = t.handleMoveAdd(ctx, rv, specialByAdd[t.Policy.Normalize(rv.DepotFile)])
		case model.Archive:
			rv.Ignored = true
			ignored[rv.DepotFile] = true
		default:
			err = xerrors.Logic(change.SourceID, "unhandled action %s for %s", rv.Action, rv.DepotFile)
		}
		if err != nil {
			return nil, fmt.Errorf("replay change %d, %s#%d: %w", change.SourceID, rv.DepotFile, rv.Rev, err)
		}
	}

	if err := t.reconcileFiletypes(ctx, change.Revisions); err != nil {
		return nil, fmt.Errorf("replay change %d: reconcile filetypes: %w", change.SourceID, err)
	}

	targetChange, err := t.submitWithRecovery(ctx, t.describeFor(change))
	if err != nil {
		return nil, fmt.Errorf("replay change %d: submit: %w", change.SourceID, err)
	}

	if t.Superuser {
		// Backdating (spec §4.5): overwrite user/date to match the source
		// change, best-effort; a non-privileged user simply has this rejected
		// by the server and is left as-is. The target is assumed UTC unless
		// TimezoneOffset says otherwise (spec §9 Design Notes).
		when := time.Unix(change.Timestamp, 0).UTC()
		if off, ok := parseTimezoneOffset(t.TimezoneOffset); ok {
			when = time.Unix(change.Timestamp, 0).UTC().Add(off)
		}
		if err := t.Client.Backdate(ctx, targetChange, change.User, when); err != nil {
			t.warnf("backdating change %d failed (continuing): %v", targetChange, err)
		}
	}

	return &Result{TargetChange: targetChange, Ignored: ignored}, nil
}

func (t *TargetReplayer) describeFor(change model.Change) string {
	format := t.DescriptionFormat
	if format == "" {
		format = "$sourceDescription"
	}
	r := strings.NewReplacer(
		"$sourceDescription", change.Description,
		"$sourcePort", t.SourcePort,
		"$sourceChange", fmt.Sprintf("%d", change.SourceID),
		"$sourceUser", change.User,
	)
	return r.Replace(format)
}

func (t *TargetReplayer) warnf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Warnf(format, args...)
	}
}

// handleEdit: sync-with-keep to obtain the history pointer without
// transferring content, open-for-edit preserving filetype; downgrade to add
// if the file is unknown on the target (purged/archived history).
func (t *TargetReplayer) handleEdit(ctx context.Context, rv *model.Revision) error {
	if err := t.Client.SyncKeep(ctx, rv.DepotFile, rv.Rev); err != nil {
		t.warnf("sync -k %s#%d failed, treating as add: %v", rv.DepotFile, rv.Rev, err)
		rv.Downgrade(model.Add)
		return t.handleAdd(ctx, rv)
	}
	if err := t.Client.Edit(ctx, rv.LocalPath, t.fileType(*rv)); err != nil {
		if isUnknownFile(err) {
			rv.Downgrade(model.Add)
			return t.handleAdd(ctx, rv)
		}
		return err
	}
	// Compare disk content to source metadata; on mismatch, force-resync the
	// source copy so the just-opened file matches what the describe record
	// promised (spec §4.5 edit row).
	if matches, err := t.diskMatchesRevision(rv); err == nil && !matches {
		if err := t.Client.SyncTo(ctx, rv.DepotFile, rv.Rev, nil); err != nil {
			return err
		}
	}
	return nil
}

// diskMatchesRevision compares the just-opened local file's content digest
// against the source revision's recorded metadata via ContentComparator.
func (t *TargetReplayer) diskMatchesRevision(rv *model.Revision) (bool, error) {
	if rv.LocalPath == "" || rv.Digest == "" {
		return true, nil
	}
	f, err := os.Open(rv.LocalPath)
	if err != nil {
		return true, err
	}
	defer f.Close()
	digest, err := compare.DigestIgnoringKeywords(f)
	if err != nil {
		return true, err
	}
	cmp := compare.New(t.Policy)
	return cmp.Equal(
		compare.Side{FileType: rv.FileType, Size: rv.Size, Digest: rv.Digest},
		compare.Side{FileType: rv.FileType, Size: rv.Size, Digest: digest},
	), nil
}

// handleAdd: route moved-from-only revisions to move handling, route any
// integration-bearing revision to branch handling (dirty), otherwise plain
// add with "can't add existing file" recovery.
func (t *TargetReplayer) handleAdd(ctx context.Context, rv *model.Revision) error {
	if len(rv.Integrations) == 1 && rv.Integrations[0].How == model.MovedFrom {
		return t.handleMoveAdd(ctx, rv, move.Pair{})
	}
	if len(rv.Integrations) > 0 {
		return t.integrationReplay(ctx, rv, true)
	}
	if err := t.Client.Add(ctx, rv.LocalPath, t.fileType(*rv)); err != nil {
		if isAlreadyExists(err) {
			if kerr := t.Client.SyncKeep(ctx, rv.DepotFile, rv.Rev); kerr != nil {
				return kerr
			}
			return t.Client.Edit(ctx, rv.LocalPath, t.fileType(*rv))
		}
		return err
	}
	t.Workspace.MarkPresent(rv.LocalPath)
	return nil
}

// handleDelete: route integration-bearing deletes (other than move-from) to
// integration replay; otherwise open-for-delete, recovering from "file not
// on client" by syncing to rev 1 first, then marking ignored if still absent.
func (t *TargetReplayer) handleDelete(ctx context.Context, rv *model.Revision, ignored map[string]bool) error {
	hasNonMoveIntegration := false
	for _, in := range rv.Integrations {
		if in.How != model.MovedInto && in.How != model.MovedFrom {
			hasNonMoveIntegration = true
			break
		}
	}
	if hasNonMoveIntegration {
		return t.integrationReplay(ctx, rv, true)
	}
	if err := t.Client.Delete(ctx, rv.LocalPath); err != nil {
		if isNotOnClient(err) {
			if serr := t.Client.SyncTo(ctx, rv.DepotFile, 1, nil); serr != nil {
				rv.Ignored = true
				ignored[rv.DepotFile] = true
				return nil
			}
			if derr := t.Client.Delete(ctx, rv.LocalPath); derr != nil {
				rv.Ignored = true
				ignored[rv.DepotFile] = true
				return nil
			}
			t.Workspace.MarkAbsent(rv.LocalPath)
			return nil
		}
		return err
	}
	t.Workspace.MarkAbsent(rv.LocalPath)
	return nil
}

// handlePurge: sync-keep, then open-for-edit, falling back to add when either
// step fails. No placeholder content is written; the local file is left as is.
func (t *TargetReplayer) handlePurge(ctx context.Context, rv *model.Revision) error {
	if err := t.Client.SyncKeep(ctx, rv.DepotFile, rv.Rev); err != nil {
		return t.Client.Add(ctx, rv.LocalPath, t.fileType(*rv))
	}
	if err := t.Client.Edit(ctx, rv.LocalPath, t.fileType(*rv)); err != nil {
		return t.Client.Add(ctx, rv.LocalPath, t.fileType(*rv))
	}
	return nil
}

// handleMoveAdd: locate the paired move-from integration, sync the source
// side to its start rev, open it for edit, then perform the rename
// preserving or overwriting content depending on whether the destination
// already exists on disk; fall back to sync-then-resolve-ignore if the
// paired source can't be edited because it's deleted.
func (t *TargetReplayer) handleMoveAdd(ctx context.Context, rv *model.Revision, special move.Pair) error {
	var fromPath string
	var fromRev int
	for _, in := range rv.Integrations {
		if in.How == model.MovedFrom {
			fromPath, fromRev = in.FromPath, in.SRev
			break
		}
	}
	if fromPath == "" {
		return t.Client.Add(ctx, rv.LocalPath, t.fileType(*rv))
	}
	if err := t.Client.SyncTo(ctx, fromPath, fromRev, nil); err != nil {
		return err
	}
	fromLocal := t.Workspace.LocalPath(fromPath)
	if err := t.Client.Edit(ctx, fromLocal, t.fileType(*rv)); err != nil {
		if isDeletedOnTarget(err) {
			if serr := t.Client.SyncTo(ctx, rv.DepotFile, rv.Rev, nil); serr != nil {
				return serr
			}
			_, rerr := t.Client.Resolve(ctx, p4.ResolveAcceptYours, rv.LocalPath)
			return rerr
		}
		return err
	}
	overwrite := t.Workspace.HasLocalFile(rv.LocalPath)
	args := []string{fromLocal, rv.LocalPath}
	if overwrite {
		args = append([]string{"-f"}, args...)
	}
	if _, err := t.Client.RunRaw(ctx, append([]string{"move"}, args...)...); err != nil {
		return err
	}
	t.Workspace.MarkAbsent(fromLocal)
	t.Workspace.MarkPresent(rv.LocalPath)
	if special.Special {
		t.warnf("special move for %s handled as an ordinary rename (branch-with-view side channel not modeled)", rv.DepotFile)
	}
	return nil
}

func isUnknownFile(err error) bool  { return containsAny(err, "no such file", "not in client view") }
func isAlreadyExists(err error) bool {
	return containsAny(err, "can't add existing file", "already opened for add")
}
func isNotOnClient(err error) bool  { return containsAny(err, "file(s) not on client", "no such file") }
func isDeletedOnTarget(err error) bool {
	return containsAny(err, "can't edit", "currently opened for delete", "already opened for delete")
}

func containsAny(err error, patterns ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
