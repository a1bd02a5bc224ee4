package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

// Event types recorded by the workflow layer. The chain accepts any
// non-empty type; these constants are the ones this module emits itself.
const (
	EventRecordImport       = "record_import"
	EventCommitmentComputed = "commitment_computed"
	EventPolicyLoaded       = "policy_loaded"
	EventManifestBuilt      = "manifest_built"
	EventManifestSigned     = "manifest_signed"
	EventProofBuilt         = "proof_built"
	EventKeyGenerated       = "key_generated"
	EventKeyRotated         = "key_rotated"
	EventBundleExported     = "bundle_exported"
	EventRegistryAdded      = "registry_added"
)

// Genesis is the prev_digest of the first entry.
func Genesis() string {
	return canonjson.Zero0x()
}

// Entry is one link of the append-only chain. Digest covers seq,
// timestamp, event type, payload and prev_digest, newline separated.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Timestamp  string          `json:"timestamp"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	PrevDigest string          `json:"prev_digest"`
	Digest     string          `json:"digest"`
}

type TamperError struct {
	Index  int
	Reason string
}

func (e *TamperError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("audit entry %d: %s", e.Index, e.Reason)
}

// Report is the operator view of a chain inspection: every failing index,
// not just the first.
type Report struct {
	OK      bool  `json:"ok"`
	Entries int   `json:"entries"`
	Broken  []int `json:"broken,omitempty"`
}

func computeDigest(seq uint64, timestamp, eventType string, payload []byte, prevDigest string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteString("\n")
	b.WriteString(timestamp)
	b.WriteString("\n")
	b.WriteString(eventType)
	b.WriteString("\n")
	b.Write(payload)
	b.WriteString("\n")
	b.WriteString(prevDigest)
	return canonjson.HashString0x(b.String())
}

func checkEntry(i int, e Entry, expectedSeq uint64, expectedPrev string) *TamperError {
	if e.Seq != expectedSeq {
		return &TamperError{Index: i, Reason: fmt.Sprintf("sequence gap: expected %d, got %d", expectedSeq, e.Seq)}
	}
	if e.PrevDigest != expectedPrev {
		return &TamperError{Index: i, Reason: "prev_digest mismatch"}
	}
	if computed := computeDigest(e.Seq, e.Timestamp, e.EventType, e.Payload, e.PrevDigest); computed != e.Digest {
		return &TamperError{Index: i, Reason: "digest mismatch"}
	}
	return nil
}

// Verify walks a full chain from genesis and returns the first violation
// as a TamperError. An empty chain is valid.
func Verify(entries []Entry) error {
	expectedPrev := Genesis()
	for i, e := range entries {
		if err := checkEntry(i, e, uint64(i)+1, expectedPrev); err != nil {
			return err
		}
		expectedPrev = e.Digest
	}
	return nil
}

// Inspect is Verify without the short circuit: it reports every index that
// fails its own checks, continuing past breaks with the recorded digests.
func Inspect(entries []Entry) Report {
	rep := Report{Entries: len(entries)}
	expectedPrev := Genesis()
	for i, e := range entries {
		if err := checkEntry(i, e, uint64(i)+1, expectedPrev); err != nil {
			rep.Broken = append(rep.Broken, i)
		}
		expectedPrev = e.Digest
	}
	rep.OK = len(rep.Broken) == 0
	return rep
}

// Log is the in-memory chain. A single mutex serializes appends; reads
// hand out copies.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append canonicalizes the payload, links the entry to the current tail
// and returns the stored entry.
func (l *Log) Append(eventType string, payload any) (Entry, error) {
	if strings.TrimSpace(eventType) == "" {
		return Entry{}, errors.New("event type is required")
	}
	body, err := canonjson.Canonicalize(payload)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prev := Genesis()
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Digest
	}
	e := Entry{
		Seq:        uint64(len(l.entries)) + 1,
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		EventType:  eventType,
		Payload:    body,
		PrevDigest: prev,
	}
	e.Digest = computeDigest(e.Seq, e.Timestamp, e.EventType, e.Payload, e.PrevDigest)
	l.entries = append(l.entries, e)
	return e, nil
}

// TailDigest returns the digest binding the whole chain so far, genesis
// when the log is empty.
func (l *Log) TailDigest() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Digest
	}
	return Genesis()
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// VerifySelf checks the log's own chain.
func (l *Log) VerifySelf() error {
	return Verify(l.Entries())
}
