package csvout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/editnori/metamaprunner/internal/model"
)

func TestWrite_SingleConcept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")

	concepts := []model.Concept{{
		CUI: "C0011849", Score: "1000", Matched: "diabetes mellitus",
		PrefName: "Diabetes Mellitus", Phrase: "diabetes mellitus",
		SemTypes: []string{"dsyn"}, Sources: []string{"MSH", "NCI"},
		Start: 0, Length: 17,
	}}

	if err := Write(path, concepts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)

	if !strings.HasPrefix(text, `"CUI","Score","ConceptName","PrefName","Phrase","SemTypes","Sources","Position"`+"\n") {
		t.Errorf("unexpected header: %q", text)
	}
	if !strings.Contains(text, `"C0011849","1000","diabetes mellitus","Diabetes Mellitus","diabetes mellitus","dsyn","MSH|NCI","0:17"`) {
		t.Errorf("missing expected row: %q", text)
	}
	if !strings.HasSuffix(strings.TrimRight(text, "\n"), EndOfFileMarker) {
		t.Errorf("missing end-of-file marker: %q", text)
	}
	if !IsComplete(path) {
		t.Errorf("IsComplete should be true for a fully written csv")
	}
}

func TestWrite_EmbeddedQuotesDoubled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.csv")

	concepts := []model.Concept{{CUI: "C1", Score: "900", Matched: `said "pain"`, Start: 0, Length: 4}}
	if err := Write(path, concepts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"said ""pain"""`) {
		t.Errorf("embedded quotes should be doubled inside a quoted field: %q", data)
	}
}

func TestWrite_EmptyConceptsStillProducesMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.csv")

	if err := Write(path, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !IsComplete(path) {
		t.Errorf("empty concept list should still produce a completed marker file")
	}
}

func TestWrite_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	concepts := []model.Concept{{CUI: "C1", Score: "1", Start: 0, Length: 1}}

	if err := Write(path, concepts); err != nil {
		t.Fatalf("Write #1: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := Write(path, concepts); err != nil {
		t.Fatalf("Write #2: %v", err)
	}
	second, _ := os.ReadFile(path)

	if string(first) != string(second) {
		t.Errorf("writing the same concepts twice produced different bytes")
	}
}

func TestIsComplete_MissingFile(t *testing.T) {
	if IsComplete(filepath.Join(t.TempDir(), "nope.csv")) {
		t.Errorf("IsComplete should be false for a missing file")
	}
}

func TestOutputPath(t *testing.T) {
	got := OutputPath("/out", "/in/notes/patient-001.txt")
	want := filepath.Join("/out", "patient-001.csv")
	if got != want {
		t.Errorf("OutputPath = %q, want %q", got, want)
	}
}
