// Package p4 is the thin, typed wrapper over the Perforce command protocol
// (spec §4.1 RepoClient): connect, run named commands via `p4 -Mj` tagged
// JSON output, decode structured records, and manage the per-process
// workspace/view mapping. Grounded on the exec-based VCS wrapper pattern in
// the pack (see DESIGN.md) rather than any native p4 client library, since
// none appears anywhere in the example corpus.
package p4

import "github.com/rcowham/p4transfer/model"

// DescribeRecord is the decoded shape of `p4 -Mj describe -s <change>`.
type DescribeRecord struct {
	Change      int      `json:"change,string"`
	User        string   `json:"user"`
	Time        int64    `json:"time,string"`
	Desc        string   `json:"desc"`
	DepotFile   []string `json:"depotFile"`
	Action      []string `json:"action"`
	Type        []string `json:"type"`
	Rev         []string `json:"rev"`
	FileSize    []string `json:"fileSize"`
	Digest      []string `json:"digest"`
}

// FilelogEntry is one revision record parsed from the line output of
// `p4 filelog -l -i` (see parseFilelog), including its integration ("how")
// history.
type FilelogEntry struct {
	DepotFile    string
	Rev          int
	Action       model.Action
	FileType     model.FileType
	ChangeNo     int
	Integrations []model.Integration
}

// FstatEntry is the decoded shape of one `p4 -Mj fstat` record.
type FstatEntry struct {
	DepotFile string `json:"depotFile"`
	ClientFile string `json:"clientFile"`
	HeadType  string `json:"headType"`
	HeadRev   string `json:"headRev"`
	Digest    string `json:"digest"`
	FileSize  string `json:"fileSize"`
}

// InfoRecord is the decoded shape of `p4 -Mj info`, used to detect a
// unicode-enabled server and the server's OS (SPEC_FULL supplemented
// feature, grounded on original_source/test/TestP4Transfer.py).
type InfoRecord struct {
	ServerAddress string `json:"serverAddress"`
	ServerRoot    string `json:"serverRoot"`
	ServerVersion string `json:"serverVersion"`
	Unicode       string `json:"unicode"` // "enabled" when present
	ServerLicense string `json:"serverLicense"`
	CaseHandling  string `json:"caseHandling"` // "sensitive" / "insensitive"
	OS            string `json:"clientOs"`
}
