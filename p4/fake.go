package p4

import (
	"context"
	"fmt"
	"time"

	"github.com/rcowham/p4transfer/model"
)

// FakeClient is an in-memory RepoClient test double (spec §9 testability),
// grounded on the same "implement the interface, record calls" style the
// pack's VCS abstraction uses for its own tests.
type FakeClient struct {
	Describes map[int]*DescribeRecord
	Filelogs  map[string][]FilelogEntry
	Infos     *InfoRecord
	Counters  map[string]int
	Changes_  []int

	// Files maps a FilesAt spec (e.g. "//depot/main/...@100") to the fstat
	// records it should return, for historical-start reconcile tests.
	Files map[string][]FstatEntry

	Calls []string

	SubmittedChange int
	NextSubmit      int
	Opened          []string

	IntegrateResults []IntegrateResult
	ResolveResults   []ResolveResult

	Backdated map[int]time.Time
}

// NewFakeClient returns an empty fake ready for test fixture population.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Describes: map[int]*DescribeRecord{},
		Filelogs:  map[string][]FilelogEntry{},
		Counters:  map[string]int{},
		NextSubmit: 1,
	}
}

func (f *FakeClient) record(call string) { f.Calls = append(f.Calls, call) }

func (f *FakeClient) Connect(ctx context.Context) error    { f.record("Connect"); return nil }
func (f *FakeClient) Disconnect(ctx context.Context) error { f.record("Disconnect"); return nil }

func (f *FakeClient) Describe(ctx context.Context, change int) (*DescribeRecord, error) {
	f.record(fmt.Sprintf("Describe(%d)", change))
	rec, ok := f.Describes[change]
	if !ok {
		return nil, fmt.Errorf("no such change: %d", change)
	}
	return rec, nil
}

func (f *FakeClient) Filelog(ctx context.Context, depotPath string, rev int) ([]FilelogEntry, error) {
	f.record(fmt.Sprintf("Filelog(%s)", depotPath))
	return f.Filelogs[depotPath], nil
}

func (f *FakeClient) Fstat(ctx context.Context, depotPath string) (*FstatEntry, error) {
	f.record(fmt.Sprintf("Fstat(%s)", depotPath))
	return &FstatEntry{DepotFile: depotPath}, nil
}

func (f *FakeClient) FilesAt(ctx context.Context, spec string) ([]FstatEntry, error) {
	f.record(fmt.Sprintf("FilesAt(%s)", spec))
	return f.Files[spec], nil
}

func (f *FakeClient) Info(ctx context.Context) (*InfoRecord, error) {
	f.record("Info")
	if f.Infos == nil {
		return &InfoRecord{}, nil
	}
	return f.Infos, nil
}

func (f *FakeClient) Changes(ctx context.Context, afterChange int, maxResults int) ([]int, error) {
	f.record("Changes")
	var out []int
	for _, c := range f.Changes_ {
		if c > afterChange {
			out = append(out, c)
		}
	}
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (f *FakeClient) SyncTo(ctx context.Context, depotPath string, rev int, progress SyncProgress) error {
	f.record(fmt.Sprintf("SyncTo(%s#%d)", depotPath, rev))
	if progress != nil {
		progress(0, 1)
	}
	return nil
}
func (f *FakeClient) SyncKeep(ctx context.Context, depotPath string, rev int) error {
	f.record(fmt.Sprintf("SyncKeep(%s#%d)", depotPath, rev))
	return nil
}
func (f *FakeClient) Add(ctx context.Context, localPath string, fileType model.FileType) error {
	f.record(fmt.Sprintf("Add(%s,%s)", localPath, fileType))
	f.Opened = append(f.Opened, localPath)
	return nil
}
func (f *FakeClient) Edit(ctx context.Context, localPath string, fileType model.FileType) error {
	f.record(fmt.Sprintf("Edit(%s,%s)", localPath, fileType))
	f.Opened = append(f.Opened, localPath)
	return nil
}
func (f *FakeClient) Delete(ctx context.Context, localPath string) error {
	f.record(fmt.Sprintf("Delete(%s)", localPath))
	f.Opened = append(f.Opened, localPath)
	return nil
}
func (f *FakeClient) Reopen(ctx context.Context, localPath string, fileType model.FileType) error {
	f.record(fmt.Sprintf("Reopen(%s,%s)", localPath, fileType))
	return nil
}
func (f *FakeClient) Revert(ctx context.Context, localPath string, keepContent bool) error {
	f.record(fmt.Sprintf("Revert(%s)", localPath))
	return nil
}

func (f *FakeClient) Integrate(ctx context.Context, args []string, fromPath, toPath string) (IntegrateResult, error) {
	f.record(fmt.Sprintf("Integrate(%s->%s,%v)", fromPath, toPath, args))
	if len(f.IntegrateResults) == 0 {
		return IntegrateResult{OK: true}, nil
	}
	r := f.IntegrateResults[0]
	f.IntegrateResults = f.IntegrateResults[1:]
	return r, nil
}

func (f *FakeClient) Resolve(ctx context.Context, strategy ResolveStrategy, toPath string) (ResolveResult, error) {
	f.record(fmt.Sprintf("Resolve(%s,%d)", toPath, strategy))
	if len(f.ResolveResults) == 0 {
		return ResolveResult{}, nil
	}
	r := f.ResolveResults[0]
	f.ResolveResults = f.ResolveResults[1:]
	return r, nil
}

func (f *FakeClient) Submit(ctx context.Context, description string) (int, error) {
	f.record("Submit")
	n := f.NextSubmit
	f.NextSubmit++
	f.SubmittedChange = n
	f.Opened = nil
	return n, nil
}

func (f *FakeClient) OpenedFiles(ctx context.Context) ([]string, error) {
	f.record("OpenedFiles")
	return f.Opened, nil
}

func (f *FakeClient) GetCounter(ctx context.Context, name string) (int, error) {
	f.record(fmt.Sprintf("GetCounter(%s)", name))
	return f.Counters[name], nil
}

func (f *FakeClient) SetCounter(ctx context.Context, name string, value int) error {
	f.record(fmt.Sprintf("SetCounter(%s,%d)", name, value))
	f.Counters[name] = value
	return nil
}

func (f *FakeClient) SaveClientView(ctx context.Context, client string, root string, views []ViewLine) error {
	f.record(fmt.Sprintf("SaveClientView(%s)", client))
	return nil
}

func (f *FakeClient) EnsureIntegEngine(ctx context.Context) error {
	f.record("EnsureIntegEngine")
	return nil
}

func (f *FakeClient) Backdate(ctx context.Context, changeNo int, user string, when time.Time) error {
	f.record(fmt.Sprintf("Backdate(%d,%s,%s)", changeNo, user, when.Format(time.RFC3339)))
	if f.Backdated == nil {
		f.Backdated = map[int]time.Time{}
	}
	f.Backdated[changeNo] = when
	return nil
}

func (f *FakeClient) RunRaw(ctx context.Context, args ...string) ([]byte, error) {
	f.record(fmt.Sprintf("RunRaw(%v)", args))
	return nil, nil
}

var _ RepoClient = (*FakeClient)(nil)
