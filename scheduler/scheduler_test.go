package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/internal/xerrors"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
)

func testConfig() *config.Config {
	return &config.Config{
		CounterName:          "p4transfer_counter",
		CaseSensitive:        true,
		ChangeBatchSize:      100,
		WorkspaceRoot:        "/p4/transfer",
		SleepOnErrorInterval: 0,
		ErrorReportInterval:  5,
		PollInterval:         30,
		Views: []config.View{
			{Src: "//depot/main/...", Targ: "import/main/...", TargetSrc: "//import/main/..."},
		},
	}
}

func newTestWorkspace(cfg *config.Config) *p4.Workspace {
	return p4.NewWorkspace(cfg.WorkspaceRoot, cfg.Views, model.CasePolicy{CaseSensitive: cfg.CaseSensitive}, false)
}

func newScheduler(t *testing.T, source, target p4.RepoClient, cfg *config.Config, opts Options) *Scheduler {
	t.Helper()
	return New(source, target, newTestWorkspace(cfg), newTestWorkspace(cfg), cfg, opts, nil, NewMetrics("p4transfer_test", nil), nil, nil)
}

func TestRunReplicatesOneChangeAndAdvancesCounter(t *testing.T) {
	source := p4.NewFakeClient()
	source.Describes[101] = &p4.DescribeRecord{
		Change: 101, User: "bob", Desc: "add a file",
		DepotFile: []string{"//depot/main/f1.txt"},
		Action:    []string{"add"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
		FileSize:  []string{"5"},
		Digest:    []string{"abc"},
	}
	source.Changes_ = []int{101}

	target := p4.NewFakeClient()
	target.NextSubmit = 501
	target.Describes[501] = &p4.DescribeRecord{
		Change: 501, DepotFile: []string{"//import/main/f1.txt"},
		Action: []string{"add"}, Type: []string{"text"},
		Rev: []string{"1"}, FileSize: []string{"5"}, Digest: []string{"abc"},
	}

	cfg := testConfig()
	s := newScheduler(t, source, target, cfg, Options{Repeat: false})

	err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 101, target.Counters[cfg.CounterName])
}

func TestRunSkipsLogicErrorWhenIgnoreErrorsSet(t *testing.T) {
	source := p4.NewFakeClient()
	source.Describes[200] = &p4.DescribeRecord{
		Change: 200, User: "bob", Desc: "mystery action",
		DepotFile: []string{"//depot/main/f2.txt"},
		Action:    []string{"unknown"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
	}
	source.Changes_ = []int{200}

	target := p4.NewFakeClient()

	cfg := testConfig()
	s := newScheduler(t, source, target, cfg, Options{Repeat: false, IgnoreErrors: true})

	err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, target.Counters[cfg.CounterName])
}

func TestRunFailsFatallyOnLogicErrorWithoutIgnoreErrors(t *testing.T) {
	source := p4.NewFakeClient()
	source.Describes[201] = &p4.DescribeRecord{
		Change: 201, User: "bob", Desc: "mystery action",
		DepotFile: []string{"//depot/main/f2.txt"},
		Action:    []string{"unknown"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
	}
	source.Changes_ = []int{201}

	target := p4.NewFakeClient()

	cfg := testConfig()
	s := newScheduler(t, source, target, cfg, Options{Repeat: false})

	err := s.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, target.Counters[cfg.CounterName])
}

// flakyTarget fails its first SetCounter call with a transient error, then
// behaves like an ordinary FakeClient.
type flakyTarget struct {
	*p4.FakeClient
	failNextSetCounter bool
}

func (f *flakyTarget) SetCounter(ctx context.Context, name string, value int) error {
	if f.failNextSetCounter {
		f.failNextSetCounter = false
		return xerrors.Transient("simulated connection blip")
	}
	return f.FakeClient.SetCounter(ctx, name, value)
}

func TestRunDoesNotAdvanceCounterOnTransientError(t *testing.T) {
	source := p4.NewFakeClient()
	source.Describes[300] = &p4.DescribeRecord{
		Change: 300, User: "bob", Desc: "add a file",
		DepotFile: []string{"//depot/main/f3.txt"},
		Action:    []string{"add"},
		Type:      []string{"text"},
		Rev:       []string{"1"},
		FileSize:  []string{"5"},
		Digest:    []string{"abc"},
	}
	source.Changes_ = []int{300}

	target := &flakyTarget{FakeClient: p4.NewFakeClient(), failNextSetCounter: true}
	target.Describes[1] = &p4.DescribeRecord{
		Change: 1, DepotFile: []string{"//import/main/f3.txt"},
		Action: []string{"add"}, Type: []string{"text"},
		Rev: []string{"1"}, FileSize: []string{"5"}, Digest: []string{"abc"},
	}

	cfg := testConfig()
	s := newScheduler(t, source, target, cfg, Options{Repeat: false})

	err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, target.Counters[cfg.CounterName])
}

func TestRunHonorsMaximum(t *testing.T) {
	source := p4.NewFakeClient()
	for _, id := range []int{11, 12, 13} {
		source.Describes[id] = &p4.DescribeRecord{
			Change: id, User: "bob", Desc: "add a file",
			DepotFile: []string{"//depot/main/f.txt"},
			Action:    []string{"add"},
			Type:      []string{"text"},
			Rev:       []string{"1"},
			FileSize:  []string{"5"},
			Digest:    []string{"abc"},
		}
	}
	source.Changes_ = []int{11, 12, 13}

	target := p4.NewFakeClient()
	target.NextSubmit = 900
	target.Describes[900] = &p4.DescribeRecord{
		Change: 900, DepotFile: []string{"//import/main/f.txt"},
		Action: []string{"add"}, Type: []string{"text"},
		Rev: []string{"1"}, FileSize: []string{"5"}, Digest: []string{"abc"},
	}

	cfg := testConfig()
	s := newScheduler(t, source, target, cfg, Options{Repeat: false, Maximum: 1})

	err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, target.Counters[cfg.CounterName])
}
