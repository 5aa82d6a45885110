package p4

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rcowham/p4transfer/model"
)

// parseFstatRecords decodes `p4 -Mj fstat` output, which emits one tagged-JSON
// object per matched file rather than a single record or a JSON array.
func parseFstatRecords(data []byte) ([]FstatEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var out []FstatEntry
	for {
		var rec FstatEntry
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// parseFilelog parses the line-oriented output of `p4 filelog -l -i`, which
// is not tagged JSON (filelog's "how" history has no -Mj equivalent), into
// FilelogEntry records including integration edges.
func parseFilelog(data []byte) ([]FilelogEntry, error) {
	var entries []FilelogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var depotFile string
	var cur *FilelogEntry
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "//"):
			depotFile = strings.Fields(line)[0]
		case strings.HasPrefix(line, "... #"):
			fields := strings.Fields(line)
			if len(fields) < 5 {
				continue
			}
			rev, _ := strconv.Atoi(strings.TrimPrefix(fields[1], "#"))
			change, _ := strconv.Atoi(fields[3])
			action := model.ParseAction(fields[4])
			ftype := model.ParseFileType(strings.Trim(fields[len(fields)-1], "()"))
			entries = append(entries, FilelogEntry{
				DepotFile: depotFile, Rev: rev, Action: action,
				FileType: ftype, ChangeNo: change,
			})
			cur = &entries[len(entries)-1]
		case strings.HasPrefix(line, "... ... "):
			if cur == nil {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			how := model.ParseHow(strings.Join(fields[2:len(fields)-1], " "))
			fromSpec := fields[len(fields)-1]
			fromPath, srev, erev := splitFromSpec(fromSpec)
			cur.Integrations = append(cur.Integrations, model.Integration{
				How: how, FromPath: fromPath, SRev: srev, ERev: erev,
			})
		}
	}
	return entries, scanner.Err()
}

func splitFromSpec(spec string) (path string, srev, erev int) {
	idx := strings.Index(spec, "#")
	if idx < 0 {
		return spec, 0, 0
	}
	path = spec[:idx]
	revRange := spec[idx+1:]
	parts := strings.SplitN(revRange, ",", 2)
	if len(parts) == 2 {
		s, _ := strconv.Atoi(strings.TrimPrefix(parts[0], "#"))
		e, _ := strconv.Atoi(strings.TrimPrefix(parts[1], "#"))
		return path, s, e
	}
	e, _ := strconv.Atoi(parts[0])
	return path, e, e
}

// parseChangeNumbers parses `p4 changes` line output ("Change 123 on ...").
func parseChangeNumbers(data []byte) ([]int, error) {
	var out []int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "Change" {
			n, err := strconv.Atoi(fields[1])
			if err == nil {
				out = append(out, n)
			}
		}
	}
	// p4 changes lists newest-first; callers need oldest-first (spec §4.4).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, scanner.Err()
}

// parseSubmittedChange extracts the change number from `p4 submit` output
// ("Change 123 submitted.").
func parseSubmittedChange(data []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var n int
		if _, err := fmt.Sscanf(scanner.Text(), "Change %d submitted.", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("could not find submitted change number in: %s", string(data))
}

// parseOpenedPaths extracts local/depot paths from `p4 opened` output.
func parseOpenedPaths(data []byte) []string {
	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "#")
		if idx > 0 {
			paths = append(paths, strings.TrimSpace(line[:idx]))
		}
	}
	return paths
}

func parseCounterValue(data []byte) (int, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid counter value %q: %w", s, err)
	}
	return n, nil
}
