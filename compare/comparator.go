// Package compare decides whether two file revisions on source and target can be
// treated as equivalent (spec §4.3 ContentComparator).
package compare

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"io"
	"regexp"
	"strings"

	"github.com/rcowham/p4transfer/model"
)

// PurgedDigest is the well-known digest Perforce assigns to a purged revision's
// 11-byte placeholder content (spec §4.3 table, §GLOSSARY "Purged marker").
const PurgedDigest = "00000000000000000000000000000000"

// PurgedSize is the fixed size of the purged-marker placeholder.
const PurgedSize = 11

// keywordPattern matches any line carrying an RCS keyword Perforce expands on sync
// (spec §4.3: "$Id|$Header|$Date|$Change|$File|$Revision|$Author|$DateTime").
var keywordPattern = regexp.MustCompile(`\$(Id|Header|Date|Change|File|Revision|Author|DateTime)\b`)

// Side is one endpoint's view of a revision, as needed by ContentComparator.
type Side struct {
	FileType model.FileType
	Size     int64
	Digest   string
	OS       string // host OS identifier, e.g. "linux", "windows" (spec §4.3 OS mismatch row)
}

// Comparator implements spec §4.3's decision table.
type Comparator struct {
	Policy model.CasePolicy
}

// New returns a Comparator carrying the given case policy for path-based checks
// callers layer on top; the table itself is content-only and Equal does not
// consult Policy.
func New(policy model.CasePolicy) *Comparator {
	return &Comparator{Policy: policy}
}

// Equal applies spec §4.3's decision table to a pair of revision sides.
func (c *Comparator) Equal(src, tgt Side) bool {
	if isPurged(src) || isPurged(tgt) {
		return true
	}
	if src.FileType.IsUTF16() || tgt.FileType.IsUTF16() {
		diff := src.Size - tgt.Size
		if diff < 0 {
			diff = -diff
		}
		return diff < 5
	}
	if !src.FileType.IsText() || !tgt.FileType.IsText() {
		return src.Size == tgt.Size && src.Digest == tgt.Digest
	}
	// text
	if !src.FileType.KeywordExpansion() && !tgt.FileType.KeywordExpansion() {
		if src.OS != "" && tgt.OS != "" && src.OS != tgt.OS {
			// text, keyword expansion OFF, OS mismatch: cannot compare, treat as equal
			return true
		}
		return src.Size == tgt.Size && src.Digest == tgt.Digest
	}
	// At least one side expands keywords: caller must supply keyword-stripped
	// digests via DigestIgnoringKeywords for this comparison to be meaningful.
	// If callers pass through the raw digest, fall back to straight digest
	// comparison (still correct when both files happen to match byte for byte).
	return src.Digest == tgt.Digest
}

func isPurged(s Side) bool {
	return s.Size == PurgedSize && s.Digest == PurgedDigest
}

// DigestIgnoringKeywords computes a digest over content, skipping any line that
// contains an RCS keyword token (spec §4.3 ktext row). Used to populate Side.Digest
// for keyword-expanding filetypes before calling Equal.
func DigestIgnoringKeywords(r io.Reader) (string, error) {
	h := md5.New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if keywordPattern.MatchString(line) {
			continue
		}
		if _, err := io.WriteString(h, line); err != nil {
			return "", err
		}
		if _, err := h.Write([]byte{'\n'}); err != nil {
			return "", err
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StripKeywordLines removes any line containing an RCS keyword token, used when
// comparing raw synced content against a keyword-aware digest without re-hashing.
func StripKeywordLines(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if keywordPattern.MatchString(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}
