package reader

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
)

func testConfig() *config.Config {
	return &config.Config{
		CounterName:     "p4transfer_counter",
		CaseSensitive:   true,
		ChangeBatchSize: 100,
		WorkspaceRoot:   "/p4/transfer",
		Views: []config.View{
			{Src: "//depot/main/...", Targ: "import/main/..."},
		},
	}
}

func newWorkspace(cfg *config.Config) *p4.Workspace {
	return p4.NewWorkspace(cfg.WorkspaceRoot, cfg.Views, model.CasePolicy{CaseSensitive: cfg.CaseSensitive}, false)
}

func TestMissingChangesOrderedAndCapped(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Changes_ = []int{5, 10, 15, 20}
	cfg := testConfig()
	cfg.ChangeBatchSize = 2
	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)

	got, err := r.MissingChanges(context.Background(), 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10}, got)
}

func TestMissingChangesStartsAtHistoricalStartChangeWhenCounterZero(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Changes_ = []int{5, 10, 15, 20}
	cfg := testConfig()
	cfg.HistoricalStartChange = 10
	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)

	got, err := r.MissingChanges(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{15, 20}, got)

	// Once the counter is non-zero (past the historical start), the gate no
	// longer applies.
	got, err = r.MissingChanges(context.Background(), 15, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{20}, got)
}

func TestGetChangeBasicAddEdit(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[42] = &p4.DescribeRecord{
		Change: 42, User: "bob", Time: 1700000000, Desc: "add a file",
		DepotFile: []string{"//depot/main/f1.txt"},
		Action:    []string{"add"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
		FileSize:  []string{"10"},
		Digest:    []string{"abc123"},
	}
	fake.Filelogs["//depot/main/f1.txt"] = []p4.FilelogEntry{
		{DepotFile: "//depot/main/f1.txt", Rev: 1, Action: model.Add, FileType: model.Text, ChangeNo: 42},
	}

	cfg := testConfig()
	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)

	fc, err := r.GetChange(context.Background(), 42, false)
	require.NoError(t, err)
	assert.Equal(t, 42, fc.Change.SourceID)
	require.Len(t, fc.Change.Revisions, 1)
	rv := fc.Change.Revisions[0]
	assert.Equal(t, model.Add, rv.Action)
	assert.Equal(t, "/p4/transfer/import/main/f1.txt", rv.LocalPath)
	assert.Contains(t, fake.Calls, "Describe(42)")
}

// utf16Workspace returns a config/workspace pair rooted at a temp directory,
// so the UTF-16 pre-flight tests can write real local files for
// decodableUTF16 to inspect.
func utf16Workspace(t *testing.T, unicodeEnabled bool) (*config.Config, *p4.FakeClient) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "import", "main"), 0o755))

	cfg := testConfig()
	cfg.WorkspaceRoot = root

	fake := p4.NewFakeClient()
	if unicodeEnabled {
		fake.Infos = &p4.InfoRecord{Unicode: "enabled"}
	}
	return cfg, fake
}

func describeUTF16(id int) *p4.DescribeRecord {
	return &p4.DescribeRecord{
		Change: id, User: "bob", Time: 1700000000, Desc: "utf16 add",
		DepotFile: []string{"//depot/main/f.bin"},
		Action:    []string{"add"},
		Type:      []string{"utf16"},
		Rev:       []string{"1"},
		FileSize:  []string{"20"},
		Digest:    []string{"def456"},
	}
}

func TestGetChangeRejectsUndecodableUTF16OnUnicodeSource(t *testing.T) {
	cfg, fake := utf16Workspace(t, true)
	fake.Describes[7] = describeUTF16(7)
	// Odd byte count: never a valid UTF-16 encoding.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkspaceRoot, "import", "main", "f.bin"), []byte{0x41}, 0o644))

	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)
	_, err := r.GetChange(context.Background(), 7, false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "UTF-16")
}

func TestGetChangeAcceptsDecodableUTF16OnUnicodeSource(t *testing.T) {
	cfg, fake := utf16Workspace(t, true)
	fake.Describes[8] = describeUTF16(8)
	// "hi" as UTF-16LE.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkspaceRoot, "import", "main", "f.bin"), []byte{0x68, 0x00, 0x69, 0x00}, 0o644))

	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)
	fc, err := r.GetChange(context.Background(), 8, false)
	require.NoError(t, err)
	require.Len(t, fc.Change.Revisions, 1)
}

func TestGetChangeAllowsUndecodableUTF16WhenSourceNotUnicode(t *testing.T) {
	cfg, fake := utf16Workspace(t, false)
	fake.Describes[9] = describeUTF16(9)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkspaceRoot, "import", "main", "f.bin"), []byte{0x41}, 0o644))

	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)
	fc, err := r.GetChange(context.Background(), 9, false)
	require.NoError(t, err)
	require.Len(t, fc.Change.Revisions, 1)
}

func TestGetChangeMoveAddDeletePairing(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[99] = &p4.DescribeRecord{
		Change: 99, User: "bob", Time: 1700000000, Desc: "rename f1 to f2",
		DepotFile: []string{"//depot/main/f2.txt", "//depot/main/f1.txt"},
		Action:    []string{"move/add", "move/delete"},
		Type:      []string{"text", "text"},
		Rev:       []string{"1", "2"},
		FileSize:  []string{"10", "10"},
		Digest:    []string{"abc", "abc"},
	}
	fake.Filelogs["//depot/main/f2.txt"] = []p4.FilelogEntry{
		{
			DepotFile: "//depot/main/f2.txt", Rev: 1, Action: model.MoveAdd, FileType: model.Text, ChangeNo: 99,
			Integrations: []model.Integration{{How: model.MovedFrom, FromPath: "//depot/main/f1.txt", SRev: 2, ERev: 2}},
		},
	}
	fake.Filelogs["//depot/main/f1.txt"] = []p4.FilelogEntry{
		{
			DepotFile: "//depot/main/f1.txt", Rev: 2, Action: model.MoveDelete, FileType: model.Text, ChangeNo: 99,
			Integrations: []model.Integration{{How: model.MovedInto, FromPath: "//depot/main/f2.txt", SRev: 1, ERev: 1}},
		},
	}

	cfg := testConfig()
	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)

	fc, err := r.GetChange(context.Background(), 99, false)
	require.NoError(t, err)
	require.Len(t, fc.SpecialMoves, 1)
	assert.Equal(t, "//depot/main/f2.txt", fc.SpecialMoves[0].Add.DepotFile)
	assert.Equal(t, "//depot/main/f1.txt", fc.SpecialMoves[0].Delete.DepotFile)
}

func TestGetChangeIgnoreIntegrationsDowngradesBranchAndIntegrate(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[55] = &p4.DescribeRecord{
		Change: 55, User: "bob", Time: 1700000000, Desc: "branch and integrate",
		DepotFile: []string{"//depot/main/f1.txt", "//depot/main/f2.txt"},
		Action:    []string{"branch", "integrate"},
		Type:      []string{"text", "text"},
		Rev:       []string{"1", "3"},
		FileSize:  []string{"10", "12"},
		Digest:    []string{"abc", "def"},
	}
	fake.Filelogs["//depot/main/f1.txt"] = []p4.FilelogEntry{
		{
			DepotFile: "//depot/main/f1.txt", Rev: 1, Action: model.Branch, FileType: model.Text, ChangeNo: 55,
			Integrations: []model.Integration{{How: model.BranchFrom, FromPath: "//depot/orig/f1.txt", SRev: 1, ERev: 1}},
		},
	}
	fake.Filelogs["//depot/main/f2.txt"] = []p4.FilelogEntry{
		{
			DepotFile: "//depot/main/f2.txt", Rev: 3, Action: model.Integrate, FileType: model.Text, ChangeNo: 55,
			Integrations: []model.Integration{{How: model.MergeFrom, FromPath: "//depot/orig/f2.txt", SRev: 2, ERev: 3}},
		},
	}

	cfg := testConfig()
	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)
	r.IgnoreIntegrations = true

	fc, err := r.GetChange(context.Background(), 55, false)
	require.NoError(t, err)
	require.Len(t, fc.Change.Revisions, 2)
	assert.Equal(t, model.Add, fc.Change.Revisions[0].Action)
	assert.Empty(t, fc.Change.Revisions[0].Integrations)
	assert.Equal(t, model.Edit, fc.Change.Revisions[1].Action)
	assert.Empty(t, fc.Change.Revisions[1].Integrations)
}

func TestGetChangeMarksIgnoreFilesMatchAsIgnored(t *testing.T) {
	fake := p4.NewFakeClient()
	fake.Describes[60] = &p4.DescribeRecord{
		Change: 60, User: "bob", Time: 1700000000, Desc: "add two files",
		DepotFile: []string{"//depot/main/keep.txt", "//depot/main/skip.tmp"},
		Action:    []string{"add", "add"},
		Type:      []string{"text", "text"},
		Rev:       []string{"1", "1"},
		FileSize:  []string{"10", "5"},
		Digest:    []string{"abc", "def"},
	}
	fake.Filelogs["//depot/main/keep.txt"] = []p4.FilelogEntry{
		{DepotFile: "//depot/main/keep.txt", Rev: 1, Action: model.Add, FileType: model.Text, ChangeNo: 60},
	}
	fake.Filelogs["//depot/main/skip.tmp"] = []p4.FilelogEntry{
		{DepotFile: "//depot/main/skip.tmp", Rev: 1, Action: model.Add, FileType: model.Text, ChangeNo: 60},
	}

	cfg := testConfig()
	cfg.IgnorePatterns = []*regexp.Regexp{regexp.MustCompile(`\.tmp$`)}
	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)

	fc, err := r.GetChange(context.Background(), 60, false)
	require.NoError(t, err)
	require.Len(t, fc.Change.Revisions, 2)
	assert.False(t, fc.Change.Revisions[0].Ignored)
	assert.True(t, fc.Change.Revisions[1].Ignored)
}

func TestGetChangeReconcileSynthesizesAllFilesAtHistoricalStart(t *testing.T) {
	cfg := testConfig()
	root := t.TempDir()
	cfg.WorkspaceRoot = root
	cfg.HistoricalStartChange = 100

	fake := p4.NewFakeClient()
	fake.Files = map[string][]p4.FstatEntry{
		"//depot/main/...@100": {
			{DepotFile: "//depot/main/f1.txt", HeadType: "text", HeadRev: "3", FileSize: "10", Digest: "abc"},
			{DepotFile: "//depot/main/f2.txt", HeadType: "text", HeadRev: "1", FileSize: "5", Digest: "def"},
		},
	}

	r := NewSourceReader(fake, newWorkspace(cfg), cfg, nil)
	fc, err := r.GetChange(context.Background(), 100, true)
	require.NoError(t, err)
	assert.Equal(t, 100, fc.Change.SourceID)
	require.Len(t, fc.Change.Revisions, 2)
	for _, rv := range fc.Change.Revisions {
		assert.Equal(t, model.Add, rv.Action)
	}
	assert.Contains(t, fake.Calls, "FilesAt(//depot/main/...@100)")
}
