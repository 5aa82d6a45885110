// Package reader implements SourceReader (spec §4.4): discovering pending
// source changes and, per change, materializing the fully resolved
// ChangeModel the replayer will replay.
package reader

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf16"

	"github.com/alitto/pond"
	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/p4transfer/compare"
	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/move"
	"github.com/rcowham/p4transfer/p4"
)

// FetchedChange is the result of GetChange (spec §4.4 step 10: "return
// (revisions, specialMoves, filelogs)").
type FetchedChange struct {
	Change       model.Change
	SpecialMoves []move.Pair
	Filelogs     map[string][]p4.FilelogEntry
}

// SourceReader produces the ordered list of pending changes and, per change,
// the fully resolved ChangeModel after syncing the source workspace to that
// change (spec §4.4).
type SourceReader struct {
	client    p4.RepoClient
	workspace *p4.Workspace
	policy    model.CasePolicy

	historicalStartChange int
	batchSize             int
	filelogWorkers        int
	ignorePatterns        []*regexp.Regexp

	// syncProgressInterval throttles the sync-progress log line in
	// syncToChange to once per this many cumulative bytes synced
	// (config sync_progress_size_interval, spec §9 tunables), rather than
	// once per file, so a change touching thousands of small files doesn't
	// flood the log.
	syncProgressInterval int64

	// firstKeptRev tracks, per depot path, the lowest revision this reader has
	// materialized since historical_start_change rebasing began; integration
	// edges that predate it get pruned (spec §4.4 step 4, model.Revision.PruneIntegrations).
	mu           sync.Mutex
	firstKeptRev map[string]int

	logger *logrus.Logger

	// unicodeOnce/sourceUnicode/unicodeErr cache one `p4 info` lookup of the
	// source server's unicode mode (spec §4.4 step 8, SUPPLEMENTED FEATURES):
	// the UTF-16 pre-flight only fails a revision on a unicode-enabled source.
	unicodeOnce   sync.Once
	sourceUnicode bool
	unicodeErr    error

	// ShowProgress enables a cheggaaa/pb/v3 bar during SyncTo for interactive runs.
	ShowProgress bool

	// IgnoreIntegrations downgrades every non-move integration edge to a
	// plain add/edit (--ignore-integrations, spec §6 CLI surface), for
	// targets where branch/merge lineage isn't wanted.
	IgnoreIntegrations bool
}

// NewSourceReader builds a SourceReader for the source endpoint.
func NewSourceReader(client p4.RepoClient, workspace *p4.Workspace, cfg *config.Config, logger *logrus.Logger) *SourceReader {
	return &SourceReader{
		client:                client,
		workspace:             workspace,
		policy:                model.CasePolicy{CaseSensitive: cfg.CaseSensitive},
		historicalStartChange: cfg.HistoricalStartChange,
		batchSize:             cfg.ChangeBatchSize,
		filelogWorkers:        10,
		ignorePatterns:        cfg.IgnorePatterns,
		syncProgressInterval:  cfg.SyncProgressSizeInterval,
		firstKeptRev:          make(map[string]int),
		logger:                logger,
	}
}

// matchesIgnorePattern reports whether localPath matches any of the
// ignore_files regexes (spec §6: "list of regex patterns applied to local
// paths; matching revisions are skipped and recorded in the per-change
// ignore set").
func (r *SourceReader) matchesIgnorePattern(localPath string) bool {
	for _, re := range r.ignorePatterns {
		if re.MatchString(localPath) {
			return true
		}
	}
	return false
}

// MissingChanges returns changes whose id is greater than counter, ordered
// oldest to newest, capped at the configured batch size and an optional
// maximum (spec §4.4). When resuming from a zero counter with
// historical_start_change configured, changes at or before the historical
// start are skipped entirely: the caller synthesizes a single reconcile
// change there instead of replaying every change up to it individually
// (spec §4.4, §8 scenario 6).
func (r *SourceReader) MissingChanges(ctx context.Context, counter int, maximum int) ([]int, error) {
	limit := r.batchSize
	if maximum > 0 && maximum < limit {
		limit = maximum
	}
	after := counter
	if counter == 0 && r.historicalStartChange > 0 {
		after = r.historicalStartChange
	}
	changes, err := r.client.Changes(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("missingChanges: %w", err)
	}
	return changes, nil
}

// GetChange implements the ten-step pipeline of spec §4.4. When reconcile is
// true, id is treated as the historical_start_change value s, and the
// returned FetchedChange is synthesized from the set of files present at @s
// (spec §4.4, §8 scenario 6) rather than from a real describe record.
func (r *SourceReader) GetChange(ctx context.Context, id int, reconcile bool) (*FetchedChange, error) {
	if reconcile {
		return r.getReconcileChange(ctx, id)
	}
	change, revisions, specialMoves, filelogs, err := r.buildRevisions(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.finishChange(ctx, id, change, revisions, specialMoves, filelogs)
}

// ChangeModel reconstructs change id's ChangeModel through the same
// describe/filelog/move-tracker pipeline GetChange uses, without syncing the
// workspace or rehashing keyword-expanded content: it is used to verify an
// already-submitted change (EquivalenceChecker, spec §4.6), where the
// describe record's own digest is exactly what should be compared.
func (r *SourceReader) ChangeModel(ctx context.Context, id int) (model.Change, []move.Pair, error) {
	change, revisions, specialMoves, _, err := r.buildRevisions(ctx, id)
	if err != nil {
		return model.Change{}, nil, err
	}
	for i := range revisions {
		revisions[i].LocalPath = r.policy.Normalize(r.workspace.LocalPath(revisions[i].DepotFile))
	}
	change.Revisions = revisions
	return change, specialMoves, nil
}

// buildRevisions runs steps (1)-(5) of spec §4.4's pipeline: describe, the
// move-tracker partitioning and filelog-driven integration history, and the
// --ignore-integrations downgrade. It does not sync the workspace or touch
// local files, so it is safe to call against either endpoint.
func (r *SourceReader) buildRevisions(ctx context.Context, id int) (model.Change, []model.Revision, []move.Pair, map[string][]p4.FilelogEntry, error) {
	// (1) fetch the describe record.
	desc, err := r.client.Describe(ctx, id)
	if err != nil {
		return model.Change{}, nil, nil, nil, fmt.Errorf("getChange(%d): describe: %w", id, err)
	}

	change := model.Change{SourceID: desc.Change, User: desc.User, Timestamp: desc.Time, Description: desc.Desc}
	revisions := make([]model.Revision, len(desc.DepotFile))
	for i, depotFile := range desc.DepotFile {
		rev, _ := strconv.Atoi(desc.Rev[i])
		size := int64(-1)
		if i < len(desc.FileSize) && desc.FileSize[i] != "" {
			if s, perr := strconv.ParseInt(desc.FileSize[i], 10, 64); perr == nil {
				size = s
			}
		}
		var digest string
		if i < len(desc.Digest) {
			digest = desc.Digest[i]
		}
		revisions[i] = model.Revision{
			DepotFile: depotFile,
			Rev:       rev,
			Action:    model.ParseAction(desc.Action[i]),
			FileType:  model.ParseFileType(desc.Type[i]),
			Size:      size,
			Digest:    digest,
		}
		if r.matchesIgnorePattern(r.workspace.LocalPath(depotFile)) {
			revisions[i].Ignored = true
		}
	}

	// (2) partition revisions into those needing history lookup and those not.
	var moveDeleteIdx, otherIdx []int
	for i := range revisions {
		if revisions[i].Action == model.MoveDelete {
			moveDeleteIdx = append(moveDeleteIdx, i)
			continue
		}
		if !revisions[i].Action.NeedsHistoryLookup() {
			continue
		}
		otherIdx = append(otherIdx, i)
	}

	filelogs := make(map[string][]p4.FilelogEntry)
	var filelogsMu sync.Mutex

	// movePartners captures each move/delete's "moved into" target: that edge
	// is not a "from" edge (spec §4.2's pairing needs it, but §3's stored
	// Integrations only keeps from/ignored edges), so it is tracked on the
	// side rather than through rv.Integrations.
	movePartners := make(map[int]string)
	var movePartnersMu sync.Mutex

	fetchOne := func(idx int) error {
		rv := &revisions[idx]
		entries, err := r.client.Filelog(ctx, rv.DepotFile, rv.Rev)
		if err != nil {
			return fmt.Errorf("filelog %s#%d: %w", rv.DepotFile, rv.Rev, err)
		}
		filelogsMu.Lock()
		filelogs[rv.DepotFile] = entries
		filelogsMu.Unlock()
		for _, e := range entries {
			if e.Rev != rv.Rev {
				continue
			}
			for _, in := range e.Integrations {
				if in.How.IsFromEdge() {
					rv.Integrations = append(rv.Integrations, in)
				}
				if in.How == model.MovedInto {
					movePartnersMu.Lock()
					movePartners[idx] = in.FromPath
					movePartnersMu.Unlock()
				}
			}
		}
		return nil
	}

	// (3) move tracker for move/delete: filelog lookups for move/delete
	// revisions happen first so their partner path is known before move/add
	// revisions are tracked below.
	if err := r.fetchConcurrently(moveDeleteIdx, fetchOne); err != nil {
		return model.Change{}, nil, nil, nil, fmt.Errorf("getChange(%d): %w", id, err)
	}
	tracker := move.NewTracker(r.policy)
	for _, idx := range moveDeleteIdx {
		rv := &revisions[idx]
		tracker.TrackDelete(rv, movePartners[idx])
	}

	// (4) run the remaining history lookups in bulk, attach integrations,
	// subject to historical-start pruning.
	if err := r.fetchConcurrently(otherIdx, fetchOne); err != nil {
		return model.Change{}, nil, nil, nil, fmt.Errorf("getChange(%d): %w", id, err)
	}
	r.mu.Lock()
	for i := range revisions {
		revisions[i].PruneIntegrations(r.firstKeptRev)
	}
	r.mu.Unlock()

	// (5) move tracker for move/add.
	for _, idx := range otherIdx {
		rv := &revisions[idx]
		if rv.Action == model.MoveAdd {
			tracker.TrackAdd(rv, partnerPath(rv, model.MovedFrom))
		}
	}
	specialMoves := tracker.Resolve()

	if r.IgnoreIntegrations {
		// --ignore-integrations: moves still replay as renames (they are not
		// integration edges in spec §3's sense), but branch/integrate actions
		// lose their lineage and fall back to a plain add/edit, and every
		// other revision keeps only its "moved from" edge.
		for i := range revisions {
			rv := &revisions[i]
			switch rv.Action {
			case model.Branch:
				rv.Integrations = nil
				rv.Downgrade(model.Add)
			case model.Integrate:
				rv.Integrations = nil
				rv.Downgrade(model.Edit)
			default:
				kept := rv.Integrations[:0]
				for _, in := range rv.Integrations {
					if in.How == model.MovedFrom {
						kept = append(kept, in)
					}
				}
				rv.Integrations = kept
			}
		}
	}

	return change, revisions, specialMoves, filelogs, nil
}

// finishChange runs steps (6)-(9) of spec §4.4's pipeline against revisions
// already produced by buildRevisions or synthesized by getReconcileChange:
// sync the source workspace to this change, validate/rehash per-revision
// content, and normalize local paths.
func (r *SourceReader) finishChange(ctx context.Context, id int, change model.Change, revisions []model.Revision, specialMoves []move.Pair, filelogs map[string][]p4.FilelogEntry) (*FetchedChange, error) {
	// (6) sync the source workspace to exactly this change (@= semantics).
	if err := r.syncToChange(ctx, id, revisions); err != nil {
		return nil, fmt.Errorf("getChange(%d): %w", id, err)
	}

	unicodeSource, err := r.isSourceUnicode(ctx)
	if err != nil {
		return nil, fmt.Errorf("getChange(%d): checking server unicode mode: %w", id, err)
	}

	// (7)/(8) handled per revision below.
	for i := range revisions {
		rv := &revisions[i]
		if rv.Ignored || rv.Action == model.Delete || rv.Action == model.MoveDelete || rv.Action == model.Purge || rv.Action == model.Archive {
			continue
		}
		local := r.workspace.LocalPath(rv.DepotFile)
		if rv.FileType.IsUTF16() && unicodeSource {
			// (8) only a unicode-enabled source server actually re-encodes
			// UTF-16 content per client charset on sync; elsewhere the bytes
			// pass through untouched and are safe to compare byte-for-byte.
			// Fail fast only when this particular revision didn't decode,
			// rather than rejecting every UTF-16 file unconditionally.
			if local == "" || !decodableUTF16(local) {
				return nil, fmt.Errorf("getChange(%d): %s#%d is UTF-16 and failed to decode from a unicode-enabled source; exclude it via ignore_files or handle manually", id, rv.DepotFile, rv.Rev)
			}
		}
		if rv.FileType.KeywordExpansion() && rv.FileType.IsText() {
			// (7) content digests for keyword-expanded text files must reflect
			// the source server's substituted $Id$/$Header$/... values, which
			// only exist once the file is materialized on disk.
			if local != "" {
				if digest, err := digestLocalFile(local); err == nil {
					rv.Digest = digest
				}
			}
		}
	}

	// (9) case-insensitive source meeting case-sensitive OS: adjust local paths.
	for i := range revisions {
		revisions[i].LocalPath = r.policy.Normalize(r.workspace.LocalPath(revisions[i].DepotFile))
	}

	change.Revisions = revisions
	return &FetchedChange{Change: change, SpecialMoves: specialMoves, Filelogs: filelogs}, nil
}

// reconcileFileList lists every file present under the configured views at
// change s via `p4 fstat`, rather than the plain `p4 files` spec §4.4
// literally names: fstat additionally reports digest/fileSize/headType in
// the same tagged-JSON record, which the reconcile's synthesized Add
// revisions need for EquivalenceChecker to compare them later.
func (r *SourceReader) reconcileFileList(ctx context.Context, s int) ([]p4.FstatEntry, error) {
	var all []p4.FstatEntry
	for _, vl := range r.workspace.ViewLines {
		if strings.HasPrefix(vl.Depot, "-") {
			continue
		}
		spec := fmt.Sprintf("%s@%d", vl.Depot, s)
		entries, err := r.client.FilesAt(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("reconcile file list %s: %w", spec, err)
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DepotFile < all[j].DepotFile })
	return all, nil
}

// getReconcileChange synthesizes the historical-start reconcile change: a
// single change that adds every file present at @s, replacing individual
// replay of every change from 1 to s (spec §4.4, §8 scenario 6).
func (r *SourceReader) getReconcileChange(ctx context.Context, s int) (*FetchedChange, error) {
	entries, err := r.reconcileFileList(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("getReconcileChange(%d): %w", s, err)
	}

	revisions := make([]model.Revision, 0, len(entries))
	for _, e := range entries {
		local := r.workspace.LocalPath(e.DepotFile)
		if r.matchesIgnorePattern(local) {
			continue
		}
		rev, _ := strconv.Atoi(e.HeadRev)
		size := int64(-1)
		if e.FileSize != "" {
			if sz, perr := strconv.ParseInt(e.FileSize, 10, 64); perr == nil {
				size = sz
			}
		}
		revisions = append(revisions, model.Revision{
			DepotFile: e.DepotFile,
			Rev:       rev,
			Action:    model.Add,
			FileType:  model.ParseFileType(e.HeadType),
			Size:      size,
			Digest:    e.Digest,
		})
	}

	r.mu.Lock()
	for _, rv := range revisions {
		r.firstKeptRev[rv.DepotFile] = rv.Rev
	}
	r.mu.Unlock()

	change := model.Change{
		SourceID:    s,
		Description: fmt.Sprintf("Reconcile of source state at @%d (historical start)", s),
	}
	return r.finishChange(ctx, s, change, revisions, nil, nil)
}

// isSourceUnicode reports whether the source server is running in unicode
// mode, caching the one `p4 info` lookup needed (spec §4.4 step 8).
func (r *SourceReader) isSourceUnicode(ctx context.Context) (bool, error) {
	r.unicodeOnce.Do(func() {
		info, err := r.client.Info(ctx)
		if err != nil {
			r.unicodeErr = fmt.Errorf("p4 info: %w", err)
			return
		}
		r.sourceUnicode = strings.EqualFold(info.Unicode, "enabled")
	})
	return r.sourceUnicode, r.unicodeErr
}

// decodableUTF16 reports whether the file at path decodes cleanly as UTF-16:
// a BOM selects byte order when present, otherwise little-endian is assumed
// (p4's utf16 filetype carries no explicit order of its own); any resulting
// unicode.ReplacementChar means the bytes didn't round-trip.
func decodableUTF16(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if len(data) == 0 {
		return true
	}
	bigEndian := false
	if len(data) >= 2 {
		switch {
		case data[0] == 0xFE && data[1] == 0xFF:
			bigEndian = true
			data = data[2:]
		case data[0] == 0xFF && data[1] == 0xFE:
			data = data[2:]
		}
	}
	if len(data)%2 != 0 {
		return false
	}
	units := make([]uint16, len(data)/2)
	for i := range units {
		if bigEndian {
			units[i] = binary.BigEndian.Uint16(data[i*2:])
		} else {
			units[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
	}
	for _, r := range utf16.Decode(units) {
		if r == unicode.ReplacementChar {
			return false
		}
	}
	return true
}

// digestLocalFile reads a just-synced file and digests it the way
// compare.Comparator expects for keyword-expanding filetypes: ignoring any
// line carrying an RCS keyword token, since the source and target servers
// substitute different values for $Id$/$Header$/etc.
func digestLocalFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return compare.DigestIgnoringKeywords(f)
}

// partnerPath extracts the depot path of the integration edge matching want
// from a revision's attached edges (used to find a move's matched partner).
func partnerPath(rv *model.Revision, want model.How) string {
	for _, in := range rv.Integrations {
		if in.How == want {
			return in.FromPath
		}
	}
	return ""
}

// fetchConcurrently runs fn over idxs using a bounded pool, matching the
// teacher's concurrency-for-IO-bound-work pattern; any error is reported once
// stop-and-wait completes.
func (r *SourceReader) fetchConcurrently(idxs []int, fn func(int) error) error {
	if len(idxs) == 0 {
		return nil
	}
	pool := pond.New(r.filelogWorkers, 0, pond.MinWorkers(2))
	var errsMu sync.Mutex
	var errs []error
	for _, idx := range idxs {
		idx := idx
		pool.Submit(func() {
			if err := fn(idx); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// syncToChange syncs the source workspace to exactly this change and bumps
// firstKeptRev bookkeeping, optionally showing a cheggaaa/pb/v3 progress bar.
func (r *SourceReader) syncToChange(ctx context.Context, changeID int, revisions []model.Revision) error {
	var bar *pb.ProgressBar
	if r.ShowProgress && len(revisions) > 0 {
		bar = pb.StartNew(len(revisions))
		defer bar.Finish()
	}
	filesBefore := 0
	progress := func(bytesDone int64, filesDone int) {
		if bar != nil {
			bar.SetCurrent(int64(filesBefore + filesDone))
		}
	}
	var syncedBytes, lastReportedBytes int64
	for _, rv := range revisions {
		if err := r.client.SyncTo(ctx, fmt.Sprintf("%s@%d", rv.DepotFile, changeID), 0, progress); err != nil {
			return fmt.Errorf("sync %s@%d: %w", rv.DepotFile, changeID, err)
		}
		filesBefore++
		if rv.Size > 0 {
			syncedBytes += rv.Size
		}
		if r.logger != nil && r.syncProgressInterval > 0 && syncedBytes-lastReportedBytes >= r.syncProgressInterval {
			r.logger.WithField("change", changeID).Infof("sync progress: %d bytes synced", syncedBytes)
			lastReportedBytes = syncedBytes
		}
		r.mu.Lock()
		if first, ok := r.firstKeptRev[rv.DepotFile]; !ok || rv.Rev < first {
			if r.historicalStartChange > 0 && changeID > r.historicalStartChange {
				r.firstKeptRev[rv.DepotFile] = rv.Rev
			}
		}
		r.mu.Unlock()
	}
	return nil
}
