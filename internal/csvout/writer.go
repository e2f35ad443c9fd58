// Package csvout writes a Concept sequence to the exact CSV schema
// the batch coordinator promises downstream consumers: a stable
// header, every field quoted, pipe/colon-joined multi-value fields,
// and a terminal completion marker line.
package csvout

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/editnori/metamaprunner/internal/model"
)

// Header is the exact, ordered CSV column list.
var Header = []string{"CUI", "Score", "ConceptName", "PrefName", "Phrase", "SemTypes", "Sources", "Position"}

// EndOfFileMarker is the literal completion-marker line appended after
// the last data record. Its presence on disk is the completion proof
// consulted by the state manager.
const EndOfFileMarker = "# END_OF_FILE"

// Write renders concepts into path, atomically: it writes to a sibling
// temp file, fsyncs, then renames into place, so a reader never
// observes a truncated file. An empty concept slice still produces a
// header-only CSV plus the marker line.
func Write(path string, concepts []model.Concept) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".csvout-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp csv: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := writeTo(tmp, concepts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp csv: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp csv into place: %w", err)
	}
	return nil
}

func writeTo(f *os.File, concepts []model.Concept) error {
	w := bufio.NewWriter(f)
	if err := writeRecord(w, Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, c := range concepts {
		row := []string{
			c.CUI,
			c.Score,
			c.Matched,
			c.PrefName,
			c.Phrase,
			strings.Join(c.SemTypes, ":"),
			strings.Join(c.Sources, "|"),
			strconv.Itoa(c.Start) + ":" + strconv.Itoa(c.Length),
		}
		if err := writeRecord(w, row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	if _, err := w.WriteString(EndOfFileMarker + "\n"); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// writeRecord emits one CSV record with every field quoted and
// embedded quotes doubled. encoding/csv only quotes fields that need
// it, so the record is assembled by hand.
func writeRecord(w *bufio.Writer, fields []string) error {
	for i, field := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if err := w.WriteByte('"'); err != nil {
			return err
		}
		if _, err := w.WriteString(strings.ReplaceAll(field, `"`, `""`)); err != nil {
			return err
		}
		if err := w.WriteByte('"'); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

// IsComplete reports whether path exists and its last non-empty line
// is the completion marker — the filesystem half of the state
// manager's completion proof.
func IsComplete(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	trimmed := strings.TrimRight(string(data), "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) == 0 {
		return false
	}
	return lines[len(lines)-1] == EndOfFileMarker
}

// OutputPath returns the CSV path for an input file stem under root.
func OutputPath(root, inputPath string) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(root, stem+".csv")
}
