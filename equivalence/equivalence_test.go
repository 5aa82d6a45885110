package equivalence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
	"github.com/rcowham/p4transfer/reader"
)

// newTargetReader builds a SourceReader bound to the target endpoint with a
// real (non-dummy) view, the way scheduler.New wires the target-model reader
// that EquivalenceChecker.Check uses to reconstruct a target ChangeModel.
func newTargetReader(fake *p4.FakeClient) *reader.SourceReader {
	cfg := &config.Config{
		CaseSensitive:   true,
		ChangeBatchSize: 100,
		WorkspaceRoot:   "/p4/transfer",
		Views:           []config.View{{Src: "//import/main/...", Targ: "import/main/..."}},
	}
	ws := p4.NewWorkspace(cfg.WorkspaceRoot, cfg.Views, model.CasePolicy{CaseSensitive: true}, false)
	return reader.NewSourceReader(fake, ws, cfg, nil)
}

const testTargetLocalPath = "/p4/transfer/import/main/f1.txt"

func TestCheckAcceptsMatchingChange(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[501] = &p4.DescribeRecord{
		Change:    501,
		DepotFile: []string{"//import/main/f1.txt"},
		Action:    []string{"add"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
		FileSize:  []string{"10"},
		Digest:    []string{"abc123"},
	}
	c := New(newTargetReader(fake), model.CasePolicy{CaseSensitive: true}, ModeFail, nil)

	src := []model.Revision{
		{DepotFile: "//depot/main/f1.txt", LocalPath: testTargetLocalPath, FileType: model.Text, Size: 10, Digest: "abc123"},
	}
	mismatches, err := c.Check(context.Background(), 501, src, nil)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestCheckFailsOnDigestMismatch(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[502] = &p4.DescribeRecord{
		Change:    502,
		DepotFile: []string{"//import/main/f1.txt"},
		Action:    []string{"add"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
		FileSize:  []string{"10"},
		Digest:    []string{"different"},
	}
	c := New(newTargetReader(fake), model.CasePolicy{CaseSensitive: true}, ModeFail, nil)

	src := []model.Revision{
		{DepotFile: "//depot/main/f1.txt", LocalPath: testTargetLocalPath, FileType: model.Text, Size: 10, Digest: "abc123"},
	}
	mismatches, err := c.Check(context.Background(), 502, src, nil)
	assert.Error(t, err)
	assert.Len(t, mismatches, 1)
}

func TestCheckSkipsIgnoredRevisions(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[503] = &p4.DescribeRecord{Change: 503}
	c := New(newTargetReader(fake), model.CasePolicy{CaseSensitive: true}, ModeFail, nil)

	src := []model.Revision{
		{DepotFile: "//depot/main/f1.txt", Ignored: true},
	}
	mismatches, err := c.Check(context.Background(), 503, src, nil)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestCheckLogOnlyModeDoesNotError(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[504] = &p4.DescribeRecord{Change: 504}
	c := New(newTargetReader(fake), model.CasePolicy{CaseSensitive: true}, ModeLogOnly, nil)

	src := []model.Revision{
		{DepotFile: "//depot/main/f1.txt", LocalPath: testTargetLocalPath, FileType: model.Text, Size: 10, Digest: "abc123"},
	}
	mismatches, err := c.Check(context.Background(), 504, src, nil)
	require.NoError(t, err)
	assert.Len(t, mismatches, 1)
}
