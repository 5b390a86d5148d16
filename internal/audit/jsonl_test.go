package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"flashpool/internal/model"
)

func sampleRecords() []model.LoanRecord {
	return []model.LoanRecord{
		{
			ID:           "6e7f7a1e-0000-4000-8000-000000000001",
			Asset:        "LBTC",
			Principal:    "0.5",
			RepayAsset:   "LUSDT",
			RepayAmount:  "26315.78947369",
			FeeOwed:      "78.94736843",
			PriceAtQuote: "50000",
			State:        "SETTLED",
			ReservedAt:   "2024-06-01T12:00:00Z",
			ExpiresAt:    "2024-06-01T12:00:30Z",
			ClosedAt:     "2024-06-01T12:00:05Z",
		},
		{
			ID:         "6e7f7a1e-0000-4000-8000-000000000002",
			Asset:      "LBTC",
			Principal:  "1",
			RepayAsset: "LUSDT",
			State:      "EXPIRED",
			Reason:     "reservation expired",
		},
	}
}

func TestJsonlSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "loans.jsonl")
	sink := NewJsonlSink(path)

	if err := sink.PutLoanBatch(sampleRecords()[:1]); err != nil {
		t.Fatalf("PutLoanBatch: %v", err)
	}
	if err := sink.PutLoanBatch(sampleRecords()[1:]); err != nil {
		t.Fatalf("PutLoanBatch: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()

	var got []model.LoanRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record model.LoanRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		got = append(got, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan output: %v", err)
	}

	want := sampleRecords()
	if len(got) != len(want) {
		t.Fatalf("records = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestJsonlSinkEmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loans.jsonl")
	sink := NewJsonlSink(path)

	if err := sink.PutLoanBatch(nil); err != nil {
		t.Fatalf("PutLoanBatch: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty batch created file: %v", err)
	}
}

type failSink struct{ err error }

func (f failSink) PutLoanBatch([]model.LoanRecord) error { return f.err }

type countSink struct{ calls int }

func (c *countSink) PutLoanBatch([]model.LoanRecord) error {
	c.calls++
	return nil
}

func TestMultiSinkStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	tail := &countSink{}
	sink := MultiSink{failSink{err: boom}, tail}

	if err := sink.PutLoanBatch(sampleRecords()); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if tail.calls != 0 {
		t.Fatalf("tail called %d times after failure", tail.calls)
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	first, second := &countSink{}, &countSink{}
	sink := MultiSink{first, second}

	if err := sink.PutLoanBatch(sampleRecords()); err != nil {
		t.Fatalf("PutLoanBatch: %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("calls = %d, %d, want 1, 1", first.calls, second.calls)
	}
}
