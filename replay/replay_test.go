package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/move"
	"github.com/rcowham/p4transfer/p4"
)

func newTestWorkspace() *p4.Workspace {
	return p4.NewWorkspace("/p4/transfer", []config.View{
		{Src: "//depot/main/...", Targ: "import/main/..."},
	}, model.CasePolicy{CaseSensitive: true}, false)
}

func TestReplayPlainAdd(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.NextSubmit = 501
	ws := newTestWorkspace()
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)

	change := model.Change{
		SourceID: 100, User: "bob", Description: "add a file",
		Revisions: []model.Revision{
			{DepotFile: "//depot/main/f1.txt", LocalPath: "/p4/transfer/import/main/f1.txt", Rev: 1, Action: model.Add, FileType: model.Text},
		},
	}
	res, err := r.Replay(context.Background(), change, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 501, res.TargetChange)
	assert.Contains(t, fake.Calls, "Add(/p4/transfer/import/main/f1.txt,text)")
	assert.True(t, ws.HasLocalFile("/p4/transfer/import/main/f1.txt"))
}

func TestReplayDeleteMarksFileAbsent(t *testing.T) {
	fake := p4.NewFakeClient()
	ws := newTestWorkspace()
	ws.MarkPresent("/p4/transfer/import/main/f1.txt")
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)

	change := model.Change{
		SourceID: 101,
		Revisions: []model.Revision{
			{DepotFile: "//depot/main/f1.txt", LocalPath: "/p4/transfer/import/main/f1.txt", Rev: 2, Action: model.Delete, FileType: model.Text},
		},
	}
	_, err := r.Replay(context.Background(), change, nil, nil)
	require.NoError(t, err)
	assert.False(t, ws.HasLocalFile("/p4/transfer/import/main/f1.txt"))
}

func TestReplayIntegrationEdgeRetriesWithFlag(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.IntegrateResults = []p4.IntegrateResult{
		{Warning: "can't integrate without -i"},
		{OK: true},
	}
	ws := newTestWorkspace()
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)

	change := model.Change{
		SourceID: 102,
		Revisions: []model.Revision{
			{
				DepotFile: "//depot/main/f2.txt", LocalPath: "/p4/transfer/import/main/f2.txt", Rev: 1, Action: model.Integrate, FileType: model.Text,
				Integrations: []model.Integration{{How: model.CopyFrom, FromPath: "//depot/main/f0.txt", SRev: 1, ERev: 1}},
			},
		},
	}
	_, err := r.Replay(context.Background(), change, nil, nil)
	require.NoError(t, err)
	integrateCalls := 0
	for _, c := range fake.Calls {
		if len(c) >= 9 && c[:9] == "Integrate" {
			integrateCalls++
		}
	}
	assert.Equal(t, 2, integrateCalls)
}

func TestReplayMoveAddRenamesFile(t *testing.T) {
	fake := p4.NewFakeClient()
	ws := newTestWorkspace()
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)

	change := model.Change{
		SourceID: 103,
		Revisions: []model.Revision{
			{
				DepotFile: "//depot/main/f2.txt", LocalPath: "/p4/transfer/import/main/f2.txt", Rev: 1, Action: model.MoveAdd, FileType: model.Text,
				Integrations: []model.Integration{{How: model.MovedFrom, FromPath: "//depot/main/f1.txt", SRev: 2, ERev: 2}},
			},
		},
	}
	_, err := r.Replay(context.Background(), change, []move.Pair{}, nil)
	require.NoError(t, err)
	assert.True(t, ws.HasLocalFile("/p4/transfer/import/main/f2.txt"))
}

func TestReplayIgnoredRevisionSkipsTargetOperations(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.NextSubmit = 503
	ws := newTestWorkspace()
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)

	change := model.Change{
		SourceID: 105, User: "bob", Description: "add a file ignored by config",
		Revisions: []model.Revision{
			{DepotFile: "//depot/main/skip.tmp", LocalPath: "/p4/transfer/import/main/skip.tmp", Rev: 1, Action: model.Add, FileType: model.Text, Ignored: true},
		},
	}
	res, err := r.Replay(context.Background(), change, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Ignored["//depot/main/skip.tmp"])
	for _, c := range fake.Calls {
		assert.NotContains(t, c, "Add(/p4/transfer/import/main/skip.tmp")
	}
}

func TestReplaySuperuserBackdatesWithTimezoneOffset(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.NextSubmit = 504
	ws := newTestWorkspace()
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)
	r.Superuser = true
	r.TimezoneOffset = "+0200"

	change := model.Change{
		SourceID: 106, User: "alice", Description: "add a file", Timestamp: 1700000000,
		Revisions: []model.Revision{
			{DepotFile: "//depot/main/f1.txt", LocalPath: "/p4/transfer/import/main/f1.txt", Rev: 1, Action: model.Add, FileType: model.Text},
		},
	}
	_, err := r.Replay(context.Background(), change, nil, nil)
	require.NoError(t, err)
	want := time.Unix(1700000000, 0).UTC().Add(2 * time.Hour)
	assert.Equal(t, want, fake.Backdated[504])
}

func TestReplayNoKeywordsStripsKeywordExpansion(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.NextSubmit = 502
	ws := newTestWorkspace()
	r := New(fake, ws, model.CasePolicy{CaseSensitive: true}, nil)
	r.NoKeywords = true

	change := model.Change{
		SourceID: 104, User: "bob", Description: "add a keyword file",
		Revisions: []model.Revision{
			{DepotFile: "//depot/main/f1.txt", LocalPath: "/p4/transfer/import/main/f1.txt", Rev: 1, Action: model.Add, FileType: model.KText},
		},
	}
	_, err := r.Replay(context.Background(), change, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, fake.Calls, "Add(/p4/transfer/import/main/f1.txt,text)")
}
