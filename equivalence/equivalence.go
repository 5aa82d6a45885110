// Package equivalence implements EquivalenceChecker (spec §4.6): after a
// target submit, verify the new target change reproduces the source change.
package equivalence

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/p4transfer/compare"
	"github.com/rcowham/p4transfer/internal/xerrors"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/reader"
)

// Mode selects what a mismatch does (spec §4.6: "configurable: log-only or fail").
type Mode int

const (
	ModeFail Mode = iota
	ModeLogOnly
)

// Checker compares a just-submitted target change against the source
// revisions that produced it. TargetReader is a SourceReader bound to the
// target endpoint and a non-dummy target-model workspace, so Check can
// reconstruct the target change's ChangeModel through the same
// describe/filelog/move-tracker pipeline the source side uses (spec §4.6),
// rather than trusting raw describe-record ordering.
type Checker struct {
	TargetReader *reader.SourceReader
	Comparator   *compare.Comparator
	Policy       model.CasePolicy
	Mode         Mode
	logger       *logrus.Logger
}

// New builds a Checker bound to the target endpoint's reader.
func New(targetReader *reader.SourceReader, policy model.CasePolicy, mode Mode, logger *logrus.Logger) *Checker {
	return &Checker{TargetReader: targetReader, Comparator: compare.New(policy), Policy: policy, Mode: mode, logger: logger}
}

// Mismatch describes one revision that failed to compare equal.
type Mismatch struct {
	DepotFile string
	Reason    string
}

// Check reconstructs the target change's ChangeModel and compares it against
// the source revisions that produced it, matching files by their mapped
// local path rather than by describe-record position: source and target
// depot namespaces may differ (config.View.TargetSrc), so describe's
// natural sort order is not guaranteed to line up file-for-file. Returns the
// mismatches found; in ModeFail mode a non-empty result is also returned as
// an error, in ModeLogOnly it is only logged.
func (c *Checker) Check(ctx context.Context, targetChange int, sourceRevisions []model.Revision, ignored map[string]bool) ([]Mismatch, error) {
	targetModel, _, err := c.TargetReader.ChangeModel(ctx, targetChange)
	if err != nil {
		return nil, fmt.Errorf("equivalence check: reconstruct target change %d: %w", targetChange, err)
	}

	targetByPath := make(map[string]compare.Side, len(targetModel.Revisions))
	for _, rv := range targetModel.Revisions {
		if rv.LocalPath == "" {
			continue
		}
		targetByPath[rv.LocalPath] = compare.Side{FileType: rv.FileType, Size: rv.Size, Digest: rv.Digest}
	}

	var mismatches []Mismatch
	for _, rv := range sourceRevisions {
		if rv.Ignored || ignored[rv.DepotFile] {
			continue
		}
		tgt, ok := targetByPath[rv.LocalPath]
		if !ok {
			mismatches = append(mismatches, Mismatch{DepotFile: rv.DepotFile, Reason: "no corresponding target revision"})
			continue
		}
		delete(targetByPath, rv.LocalPath)
		src := compare.Side{FileType: rv.FileType, Size: rv.Size, Digest: rv.Digest}
		if c.Comparator.Equal(src, tgt) {
			continue
		}
		if !c.Policy.CaseSensitive && src.Digest == tgt.Digest {
			// Case-insensitive second pass: compare primarily by digest
			// (spec §4.6), already equal above; nothing further to do.
			continue
		}
		mismatches = append(mismatches, Mismatch{DepotFile: rv.DepotFile, Reason: "content mismatch"})
	}

	if len(mismatches) == 0 {
		return nil, nil
	}
	if c.logger != nil {
		for _, m := range mismatches {
			c.logger.Warnf("equivalence mismatch for %s: %s", m.DepotFile, m.Reason)
		}
	}
	if c.Mode == ModeFail {
		return mismatches, xerrors.Logic(targetChange, "equivalence check failed: %d mismatch(es)", len(mismatches))
	}
	return mismatches, nil
}
