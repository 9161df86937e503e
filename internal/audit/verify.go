package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// VerifyResult reports the outcome of recomputing a chain.
type VerifyResult struct {
	OK          bool
	RecordCount int64
	BrokenAtSeq int64 // 0 when OK
	Reason      string
}

// Verify recomputes the hash chain for the segment set rooted at path
// (path, path.1, path.2, ... in oldest-first archival order) starting
// from the genesis sentinel, and stops at the first discrepancy.
func Verify(path string) (VerifyResult, error) {
	segments, err := orderedSegments(path)
	if err != nil {
		return VerifyResult{}, err
	}

	prevHash := "genesis"
	var prevSeq int64
	var count int64
	for _, seg := range segments {
		res, lastHash, lastSeq, n, err := verifySegment(seg, prevHash, prevSeq)
		count += n
		if err != nil {
			return VerifyResult{}, err
		}
		if !res.OK {
			return res, nil
		}
		prevHash = lastHash
		prevSeq = lastSeq
	}
	return VerifyResult{OK: true, RecordCount: count}, nil
}

// orderedSegments returns archived segments oldest-first followed by the
// active segment: path.N, path.(N-1), ..., path.1, path.
func orderedSegments(path string) ([]string, error) {
	var archives []string
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(candidate); err != nil {
			break
		}
		archives = append(archives, candidate)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(archives)))
	segments := append(archives, path)
	var existing []string
	for _, s := range segments {
		if _, err := os.Stat(s); err == nil {
			existing = append(existing, s)
		}
	}
	return existing, nil
}

func verifySegment(path string, expectedPrevHash string, prevSeq int64) (VerifyResult, string, int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, "", 0, 0, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	prevHash := expectedPrevHash
	lastSeq := prevSeq
	var count int64
	for scanner.Scan() {
		line := scanner.Bytes()
		var r recordWithHash
		if err := json.Unmarshal(line, &r); err != nil {
			// An unparseable line has no trustworthy seq of its own; report
			// the position right after the last good record.
			return VerifyResult{OK: false, BrokenAtSeq: lastSeq + 1, Reason: "malformed record: " + err.Error()}, "", lastSeq, count, nil
		}
		count++

		if r.PrevHash != prevHash {
			return VerifyResult{OK: false, RecordCount: count, BrokenAtSeq: r.Seq, Reason: "prev_hash mismatch"}, "", lastSeq, count, nil
		}
		wantHash, err := hashRecord(r.record)
		if err != nil {
			return VerifyResult{}, "", lastSeq, count, err
		}
		gotHash := strings.TrimPrefix(r.Hash, "sha256:")
		if gotHash != wantHash {
			return VerifyResult{OK: false, RecordCount: count, BrokenAtSeq: r.Seq, Reason: "hash mismatch"}, "", lastSeq, count, nil
		}
		prevHash = gotHash
		lastSeq = r.Seq
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, "", lastSeq, count, err
	}
	return VerifyResult{OK: true, RecordCount: count}, prevHash, lastSeq, count, nil
}
