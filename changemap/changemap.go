// Package changemap implements ChangeMap (spec §4.8): an append-only
// mapping of source change numbers to target change numbers, tracked as a
// capped-revision CSV file on the target and submitted once per batch.
package changemap

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
)

// Header is the fixed CSV header spec §4.8 requires.
var Header = []string{"sourcePort", "sourceChangeNo", "targetChangeNo"}

// maxStoredRevisions bounds how many revisions of the mapping file Perforce
// retains (spec §4.8: "a type that caps stored revisions (a small bounded
// number, e.g., 32)").
const maxStoredRevisions = 32

// ChangeMap accumulates rows for one batch and submits them together.
type ChangeMap struct {
	Client     p4.RepoClient
	LocalPath  string
	DepotPath  string
	SourcePort string

	ensured bool
	rows    []model.CounterRow
}

// New builds a ChangeMap bound to the configured change_map_file location.
func New(client p4.RepoClient, localPath, depotPath, sourcePort string) *ChangeMap {
	return &ChangeMap{Client: client, LocalPath: localPath, DepotPath: depotPath, SourcePort: sourcePort}
}

// ensure creates the tracked file with its header and a revision-capping
// type on first use per batch, if it doesn't already exist (spec §4.8).
func (c *ChangeMap) ensure(ctx context.Context) error {
	if c.ensured {
		return nil
	}
	if _, err := os.Stat(c.LocalPath); os.IsNotExist(err) {
		if err := writeCSV(c.LocalPath, [][]string{Header}); err != nil {
			return fmt.Errorf("changemap: create %s: %w", c.LocalPath, err)
		}
		// text+S32: a revision-limited type (spec §4.8 "caps stored revisions").
		// This modifier has no bearing on ContentComparator/TargetReplayer
		// semantics, so it's issued directly rather than routed through
		// model.FileType (which models only comparator/replay-relevant bits).
		if _, err := c.Client.RunRaw(ctx, "add", "-t", cappedType, c.LocalPath); err != nil {
			return fmt.Errorf("changemap: add %s: %w", c.LocalPath, err)
		}
	} else {
		if _, err := c.Client.RunRaw(ctx, "edit", "-t", cappedType, c.LocalPath); err != nil {
			return fmt.Errorf("changemap: edit %s: %w", c.LocalPath, err)
		}
	}
	c.ensured = true
	return nil
}

var cappedType = fmt.Sprintf("text+S%d", maxStoredRevisions)

// Append records one successfully replicated change (spec §4.8: "append one
// CSV row per successfully replicated change").
func (c *ChangeMap) Append(ctx context.Context, sourceChange, targetChange int) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	row := model.CounterRow{SourcePort: c.SourcePort, SourceChangeNo: sourceChange, TargetChangeNo: targetChange}
	c.rows = append(c.rows, row)

	f, err := os.OpenFile(c.LocalPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("changemap: append %s: %w", c.LocalPath, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{row.SourcePort, fmt.Sprintf("%d", row.SourceChangeNo), fmt.Sprintf("%d", row.TargetChangeNo)}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Submit submits the accumulated rows as a single change at batch end (spec
// §4.8), then resets for the next batch. A no-op if nothing was appended.
func (c *ChangeMap) Submit(ctx context.Context, description string) (int, error) {
	if len(c.rows) == 0 {
		return 0, nil
	}
	change, err := c.Client.Submit(ctx, description)
	if err != nil {
		return 0, fmt.Errorf("changemap: submit: %w", err)
	}
	c.rows = nil
	c.ensured = false
	return change, nil
}

func writeCSV(path string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
