// Package xmlresult turns annotator XML output into a sequence of
// model.Concept records. It tolerates the two position encodings the
// annotator emits and never fails a job on a missing optional field.
package xmlresult

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/editnori/metamaprunner/internal/model"
)

// ParseError indicates the XML document was not well-formed or the
// top-level result structure was absent. It is non-retriable.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse annotator output %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// frame tracks one open element on the decoder stack, along with the
// phrase/utterance ancestor context active at that point.
type frame struct {
	name         string
	attrs        map[string]string
	phraseText   string
	phraseStart  int
	phraseLength int
	utteranceID  int
	inCandidates bool
	inMappings   bool
	posStarts    []int
	posLengths   []int
	textBuf      strings.Builder
	captureText  bool
}

// Parse decodes the annotator XML document read from r and returns the
// ordered Concept sequence. It returns *ParseError if the document is
// not well-formed or no recognizable result structure is present.
func Parse(r io.Reader) ([]model.Concept, error) {
	dec := xml.NewDecoder(r)

	var concepts []model.Concept
	var stack []*frame
	var sawResultStructure bool
	var utteranceCounter int

	cur := func() *frame {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			f := &frame{name: t.Name.Local, attrs: attrMap(t.Attr)}

			switch f.name {
			case "MMO", "MMOs", "utterance", "phrase", "candidates", "candidate",
				"mappings", "mapping", "mappingCandidate", "negation":
				sawResultStructure = true
			}

			if p := cur(); p != nil {
				f.phraseText = p.phraseText
				f.phraseStart = p.phraseStart
				f.phraseLength = p.phraseLength
				f.utteranceID = p.utteranceID
				f.inCandidates = p.inCandidates
				f.inMappings = p.inMappings
			}

			switch f.name {
			case "utterance":
				utteranceCounter++
				f.utteranceID = utteranceCounter
			case "phrase":
				f.captureText = true
				if s, ok := f.attrs["start"]; ok {
					f.phraseStart, _ = strconv.Atoi(s)
					f.phraseLength, _ = strconv.Atoi(f.attrs["length"])
				}
			case "candidates":
				f.inCandidates = true
			case "mappings":
				f.inMappings = true
			case "candidate", "mappingCandidate":
				f.captureText = false
			case "PhraseText", "StartPos", "Length":
				f.captureText = true
			}

			stack = append(stack, f)

		case xml.CharData:
			if f := cur(); f != nil && f.captureText {
				f.textBuf.Write(t)
			}

		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			switch f.name {
			case "phrase":
				if p := cur(); p != nil {
					if text := strings.TrimSpace(f.textBuf.String()); text != "" {
						p.phraseText = text
					}
				}
			case "PhraseText":
				if p := cur(); p != nil && p.name == "phrase" {
					p.phraseText = strings.TrimSpace(f.textBuf.String())
				}
			case "StartPos":
				if p := cur(); p != nil {
					if n, err := strconv.Atoi(strings.TrimSpace(f.textBuf.String())); err == nil {
						p.posStarts = append(p.posStarts, n)
					}
				}
			case "Length":
				if p := cur(); p != nil {
					if n, err := strconv.Atoi(strings.TrimSpace(f.textBuf.String())); err == nil {
						p.posLengths = append(p.posLengths, n)
					}
				}
			case "candidate", "mappingCandidate":
				c := buildConcept(f)
				c.IsMapping = f.name == "mappingCandidate" || f.inMappings
				concepts = append(concepts, c)
			}

			// Fold position-token accumulation up to the parent when the
			// parent is itself a candidate whose positions are nested one
			// level deeper (repeated ConceptPIs/StartPos/Length blocks).
			if p := cur(); p != nil && (p.name == "candidate" || p.name == "mappingCandidate") {
				p.posStarts = append(p.posStarts, f.posStarts...)
				p.posLengths = append(p.posLengths, f.posLengths...)
			}
		}
	}

	if !sawResultStructure {
		return nil, &ParseError{Err: fmt.Errorf("no recognizable result structure")}
	}

	return concepts, nil
}

func buildConcept(f *frame) model.Concept {
	start, length := resolvePosition(f.posStarts, f.posLengths, f.attrs)

	c := model.Concept{
		CUI:          attr(f.attrs, "CandidateCUI", "MappingCandidateCUI", "CUI"),
		Score:        attr(f.attrs, "CandidateScore", "MappingCandidateScore", "Score"),
		Matched:      attr(f.attrs, "CandidateMatched", "MappingCandidateMatched", "Matched"),
		PrefName:     attr(f.attrs, "CandidatePreferred", "MappingCandidatePreferred", "PrefName"),
		Phrase:       f.phraseText,
		SemTypes:     splitList(attr(f.attrs, "SemTypes", "CandidateSemTypes")),
		Sources:      splitList(attr(f.attrs, "Sources", "CandidateSources")),
		Start:        start,
		Length:       length,
		PhraseStart:  f.phraseStart,
		PhraseLength: f.phraseLength,
		UtteranceID:  f.utteranceID,
		IsNegated:    attr(f.attrs, "Negated") == "1",
	}
	return c
}

// resolvePosition tolerates both a repeated start/length token list
// (minimum start, span to the furthest end) and a single attribute
// pair on the element itself.
func resolvePosition(starts, lengths []int, attrs map[string]string) (int, int) {
	if len(starts) > 0 && len(starts) == len(lengths) {
		minStart := starts[0]
		maxEnd := starts[0] + lengths[0]
		for i := 1; i < len(starts); i++ {
			if starts[i] < minStart {
				minStart = starts[i]
			}
			if end := starts[i] + lengths[i]; end > maxEnd {
				maxEnd = end
			}
		}
		return minStart, maxEnd - minStart
	}

	if s, ok := attrs["start"]; ok {
		start, _ := strconv.Atoi(s)
		length, _ := strconv.Atoi(attrs["length"])
		return start, length
	}

	return 0, 0
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func attr(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	sep := ","
	if strings.Contains(s, "|") {
		sep = "|"
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
