package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogRecords(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC)

	l, err := Open(dir, "fe80::1", "0123456789abcdef", started)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	want := filepath.Join(dir, "20240301_093015_fe80--1_01234567.jsonl")
	if l.Path() != want {
		t.Errorf("Expected path %s, got %s", want, l.Path())
	}

	l.LogStart("0123456789abcdef", "fe80::1", started, map[string]string{"sample_rate": "16000"})
	l.LogSpan("0123456789abcdef", "fe80::1", []string{"hello", "world"}, "partial")
	l.LogFinal("0123456789abcdef", "fe80::1", " hello world ")
	l.LogEnd("0123456789abcdef", "fe80::1", started.Add(time.Second), "eof")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Writes after Close are dropped.
	l.LogSpan("0123456789abcdef", "fe80::1", []string{"late"}, "partial")

	f, err := os.Open(want)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Invalid record %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}

	events := []string{"upload_start", "span", "final", "upload_end"}
	if len(records) != len(events) {
		t.Fatalf("Expected %d records, got %d", len(events), len(records))
	}
	for i, event := range events {
		if records[i].Event != event {
			t.Errorf("Record %d: expected %s, got %s", i, event, records[i].Event)
		}
	}
	if records[0].Details["sample_rate"] != "16000" {
		t.Errorf("Missing start details: %v", records[0].Details)
	}
	if len(records[1].Words) != 2 || records[1].Reason != "partial" {
		t.Errorf("Unexpected span record %+v", records[1])
	}
	if records[2].Hypothesis != "hello world" {
		t.Errorf("Expected trimmed hypothesis, got %q", records[2].Hypothesis)
	}
	if records[3].Details["reason"] != "eof" {
		t.Errorf("Unexpected end record %+v", records[3])
	}
}

func TestCloseTwice(t *testing.T) {
	l, err := Open(t.TempDir(), "10.0.0.1", "abc", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}
