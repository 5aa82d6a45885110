package main

// p4lineage renders the integration/branch lineage of a p4transfer target
// as a graphviz DOT file: one node per replicated target change, one edge
// per integration history entry resolved back to the change that
// introduced its source revision.

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	_ "net/http/pprof" // profiling only
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/emicklei/dot"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/rcowham/p4transfer/p4"
)

// LineageOptions mirrors the teacher's GitGraphOption shape, with git
// commit-range flags replaced by their Perforce change-range equivalents.
type LineageOptions struct {
	changeMapFile string
	firstChange   int
	lastChange    int
	maxChanges    int
	squash        bool
	outputGraph   string
	debug         int
}

// lineageEdge is one resolved integration edge: the target change draws an
// arrow from fromChange, labeled with the how that produced it.
type lineageEdge struct {
	how        model.How
	fromChange int
}

// ChangeNode is one target change, analogous to the teacher's GitCommit but
// keyed by Perforce change number instead of a git fast-export mark.
type ChangeNode struct {
	id         int
	user       string
	label      string
	childCount int
	mergeCount int
	hasNode    bool
	gNode      dot.Node
	edges      []lineageEdge
}

// LineageGraph walks a target's submitted changes and lays out the
// resulting change-to-change DAG, the same two-pass shape (parse, then
// create graph nodes/edges) as the teacher's GitGraph.
type LineageGraph struct {
	logger *logrus.Logger
	client p4.RepoClient
	opts   LineageOptions

	changes      map[int]*ChangeNode
	filelogCache map[string][]p4.FilelogEntry
	graph        *dot.Graph
}

func NewLineageGraph(logger *logrus.Logger, client p4.RepoClient, opts *LineageOptions) *LineageGraph {
	return &LineageGraph{
		logger: logger, client: client, opts: *opts,
		changes:      make(map[int]*ChangeNode),
		filelogCache: make(map[string][]p4.FilelogEntry),
	}
}

// changeIDs returns the ascending change numbers to graph: either the
// target side of a p4transfer change_map.csv, or a plain `p4 changes`
// range, whichever the operator asked for.
func (g *LineageGraph) changeIDs(ctx context.Context) ([]int, error) {
	if g.opts.changeMapFile != "" {
		return readChangeMapTargets(g.opts.changeMapFile)
	}
	ids, err := g.client.Changes(ctx, g.opts.firstChange-1, 0)
	if err != nil {
		return nil, err
	}
	var filtered []int
	for _, id := range ids {
		if g.opts.lastChange != 0 && id > g.opts.lastChange {
			continue
		}
		filtered = append(filtered, id)
	}
	return filtered, nil
}

// readChangeMapTargets reads the targetChangeNo column of a
// sourcePort,sourceChangeNo,targetChangeNo CSV (changemap.Header's shape).
func readChangeMapTargets(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(bufio.NewReader(f)).ReadAll()
	if err != nil {
		return nil, err
	}
	var ids []int
	for i, row := range rows {
		if i == 0 || len(row) < 3 {
			continue // header row
		}
		if id, err := strconv.Atoi(row[2]); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// BuildLineage walks the selected changes in ascending order, resolves
// each revision's integration edges to the change that introduced the
// "from" side, then lays out nodes/edges in two passes exactly as the
// teacher's ParseGitImport does (collect first, decide node visibility
// once child/merge counts are known, then draw).
func (g *LineageGraph) BuildLineage(ctx context.Context) error {
	ids, err := g.changeIDs(ctx)
	if err != nil {
		return fmt.Errorf("list changes: %w", err)
	}
	if g.opts.maxChanges != 0 && len(ids) > g.opts.maxChanges {
		ids = ids[:g.opts.maxChanges]
	}

	for _, id := range ids {
		if err := g.addChange(ctx, id); err != nil {
			g.logger.Errorf("change %d: %v", id, err)
		}
	}

	for _, id := range ids {
		cn := g.changes[id]
		if cn == nil {
			continue
		}
		for _, e := range cn.edges {
			parent, ok := g.changes[e.fromChange]
			if !ok {
				continue
			}
			parent.childCount++
			if len(cn.edges) > 1 {
				cn.mergeCount++
			}
		}
	}

	for _, id := range ids {
		cn := g.changes[id]
		if cn == nil {
			continue
		}
		if g.opts.squash && cn.mergeCount == 0 && cn.childCount <= 1 && len(cn.edges) == 0 {
			continue
		}
		cn.gNode = g.graph.Node(cn.label)
		cn.hasNode = true
	}
	for _, id := range ids {
		g.addGraphEdges(g.changes[id])
	}
	return nil
}

func (g *LineageGraph) addChange(ctx context.Context, id int) error {
	desc, err := g.client.Describe(ctx, id)
	if err != nil {
		return err
	}
	cn := &ChangeNode{id: id, user: desc.User, label: fmt.Sprintf("Change: %d %s", id, desc.User)}
	g.changes[id] = cn

	for i, depotFile := range desc.DepotFile {
		if !model.ParseAction(desc.Action[i]).NeedsHistoryLookup() {
			continue
		}
		rev, _ := strconv.Atoi(desc.Rev[i])
		entries, err := g.client.Filelog(ctx, depotFile, rev)
		if err != nil {
			g.logger.Warnf("filelog %s#%d: %v", depotFile, rev, err)
			continue
		}
		for _, e := range entries {
			if e.Rev != rev {
				continue
			}
			for _, in := range e.Integrations {
				if !in.How.IsFromEdge() {
					continue
				}
				if fromChange := g.resolveFromChange(ctx, in); fromChange != 0 {
					cn.edges = append(cn.edges, lineageEdge{how: in.How, fromChange: fromChange})
				}
			}
		}
	}
	return nil
}

// resolveFromChange maps an integration edge's depot path/revision range
// onto the change number that submitted it, by consulting (and caching)
// that path's own filelog — the same per-path lookup SourceReader performs
// when attaching integration history, run here against the "from" side.
func (g *LineageGraph) resolveFromChange(ctx context.Context, in model.Integration) int {
	entries, cached := g.filelogCache[in.FromPath]
	if !cached {
		var err error
		entries, err = g.client.Filelog(ctx, in.FromPath, 0)
		if err != nil {
			g.logger.Warnf("filelog %s: %v", in.FromPath, err)
		}
		g.filelogCache[in.FromPath] = entries
	}
	target := in.ERev
	if target <= 0 {
		target = in.SRev
	}
	for _, e := range entries {
		if e.Rev == target {
			return e.ChangeNo
		}
	}
	return 0
}

func (g *LineageGraph) addGraphEdges(cn *ChangeNode) {
	if cn == nil || !cn.hasNode {
		return
	}
	for _, e := range cn.edges {
		parent := g.changes[e.fromChange]
		if parent == nil {
			continue
		}
		if !parent.hasNode {
			parent.gNode = g.graph.Node(parent.label)
			parent.hasNode = true
		}
		g.graph.Edge(parent.gNode, cn.gNode, e.how.String())
	}
}

func main() {
	var (
		configFlag    = kingpin.Flag("config", "p4transfer config file (supplies the target endpoint and change_map_file).").String()
		p4port        = kingpin.Flag("p4port", "Target P4PORT (overrides --config's target.p4port).").String()
		p4user        = kingpin.Flag("p4user", "Target P4USER.").String()
		p4client      = kingpin.Flag("p4client", "Target P4CLIENT.").String()
		changeMapFile = kingpin.Flag("change-map", "Path to a change_map.csv to graph target changes from (default: the config's own, if enabled).").String()
		outputGraph   = kingpin.Flag("output", "Graphviz dot file to write the lineage graph to.").Short('o').Required().String()
		firstChange   = kingpin.Flag("first.change", "First target change to include (0 means all).").Default("0").Short('f').Int()
		lastChange    = kingpin.Flag("last.change", "Last target change to include (0 means all).").Default("0").Short('l').Int()
		maxChanges    = kingpin.Flag("max.changes", "Max number of changes to process (0 means all).").Default("0").Short('m').Int()
		squash        = kingpin.Flag("squash", "Squash changes with no integration edges, no merges and at most one child, leaving integration points only.").Short('s').Bool()
		debug         = kingpin.Flag("debug", "Enable debugging level.").Default("0").Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("p4lineage")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Renders the integration/branch lineage of a p4transfer target as a graphviz DOT file.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	port, user, clientName, password, charset := *p4port, *p4user, *p4client, "", ""
	mapFile := *changeMapFile
	if *configFlag != "" {
		cfg, err := config.LoadConfigFile(*configFlag)
		if err != nil {
			logger.Fatalf("failed to load %s: %v", *configFlag, err)
		}
		if port == "" {
			port = cfg.Target.P4Port
		}
		if user == "" {
			user = cfg.Target.P4User
		}
		if clientName == "" {
			clientName = cfg.Target.P4Client
		}
		password = cfg.Target.P4Password
		charset = cfg.Target.Charset
		if mapFile == "" && cfg.ChangeMapFile != "" {
			mapFile = filepath.Join(cfg.WorkspaceRoot, cfg.ChangeMapFile)
		}
	}
	if port == "" || user == "" || clientName == "" {
		logger.Fatal("p4port, p4user and p4client are required (via --config or --p4port/--p4user/--p4client)")
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("p4lineage"))
	logger.Infof("Starting %s", startTime)
	logger.Infof("OS: %s/%s", runtime.GOOS, runtime.GOARCH)

	client := p4.NewClient(port, user, clientName, password, charset, logger)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer client.Disconnect(ctx)

	opts := &LineageOptions{
		changeMapFile: mapFile,
		firstChange:   *firstChange, lastChange: *lastChange, maxChanges: *maxChanges,
		squash: *squash, outputGraph: *outputGraph, debug: *debug,
	}
	logger.Infof("Options: %+v", opts)

	g := NewLineageGraph(logger, client, opts)
	g.graph = dot.NewGraph(dot.Directed)
	if err := g.BuildLineage(ctx); err != nil {
		logger.Fatalf("build lineage: %v", err)
	}

	f, err := os.OpenFile(g.opts.outputGraph, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(g.graph.String())); err != nil {
		logger.Fatal(err)
	}
}
