package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ReadAll decodes every record in r, in append order. It does not
// verify the hash chain; use VerifyChain for that.
func ReadAll(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return records, fmt.Errorf("audit: malformed record at offset %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}

// VerificationResult reports whether a journal's hash chain is
// intact, and if not, the index of the first record whose prev_hash
// no longer matches the hash of its predecessor's canonical encoding.
type VerificationResult struct {
	Valid        bool
	RecordCount  int
	TamperedAt   int // -1 if Valid
	TamperReason string
}

// VerifyChain walks the chain in a single linear pass, recomputing
// each record's expected prev_hash from the canonical encoding of its
// predecessor (spec.md §4.6: "a verifier can walk the chain and detect
// any tampering with a single linear pass").
func VerifyChain(r io.Reader) (VerificationResult, error) {
	records, err := ReadAll(r)
	if err != nil {
		return VerificationResult{TamperedAt: -1}, err
	}

	expected := genesisHash
	for i, rec := range records {
		if rec.PrevHash != expected {
			return VerificationResult{
				Valid:        false,
				RecordCount:  len(records),
				TamperedAt:   i,
				TamperReason: "prev_hash does not match the predecessor's canonical encoding",
			}, nil
		}
		chained := rec
		chained.PrevHash = expected
		canonical, err := canonicalEncode(chained)
		if err != nil {
			return VerificationResult{TamperedAt: i}, err
		}
		expected = hashOf(canonical)
	}

	return VerificationResult{Valid: true, RecordCount: len(records), TamperedAt: -1}, nil
}
