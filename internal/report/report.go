// Package report turns a worker's raw summary into the presentation-ready
// report stored alongside it. Derive is pure: the same raw summary always
// produces the same report.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/repolens/pkg/models"
)

const (
	MaxScore        = 100
	PenaltyPerIssue = 2

	// number of misspelled words quoted in a spelling issue description
	sampleWords = 5
)

// Summary is the subset of a worker callback the report is built from.
type Summary struct {
	Items            []Item          `json:"items"`
	SpellingAnalysis []SpellingEntry `json:"spelling_analysis"`
	Totals           *Totals         `json:"summary"`
}

type Item struct {
	Title       string `json:"title"`
	File        string `json:"file"`
	FilePath    string `json:"file_path"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Line        Number `json:"line"`
}

type SpellingEntry struct {
	FilePath        string   `json:"file_path"`
	MisspelledWords []string `json:"misspelled_words"`
}

type Totals struct {
	TotalFiles  int `json:"total_files"`
	TotalErrors int `json:"total_errors"`
}

// UnmarshalJSON reads totals from an object. Workers also send a free-text
// summary or floats and quoted numbers for the counts; those decode without
// error and a value that is not a number becomes zero.
func (t *Totals) UnmarshalJSON(b []byte) error {
	var fields struct {
		TotalFiles  Number `json:"total_files"`
		TotalErrors Number `json:"total_errors"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		*t = Totals{}
		return nil
	}
	*t = Totals{TotalFiles: int(fields.TotalFiles), TotalErrors: int(fields.TotalErrors)}
	return nil
}

// Number is a count that accepts 12, 12.0 and "12". Anything else is zero.
type Number int

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = 0
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	default:
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*n = Number(f)
	}
	return nil
}

// Derive parses raw and builds the report.
func Derive(raw json.RawMessage) (*models.Report, error) {
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode raw summary: %w", err)
	}
	return FromSummary(s), nil
}

// FromSummary builds the report from an already decoded summary.
func FromSummary(s Summary) *models.Report {
	issues := make([]models.Issue, 0, len(s.Items)+len(s.SpellingAnalysis))
	for _, it := range s.Items {
		issues = append(issues, fromItem(it))
	}
	for _, sp := range s.SpellingAnalysis {
		if len(sp.MisspelledWords) == 0 {
			continue
		}
		issues = append(issues, fromSpelling(sp))
	}

	r := &models.Report{
		IssueCount: len(issues),
		Score:      Score(len(issues)),
		Issues:     issues,
	}
	if s.Totals != nil {
		r.TotalFiles = s.Totals.TotalFiles
	}

	files := make(map[string]struct{})
	for _, is := range issues {
		switch is.Severity {
		case models.SeverityCritical:
			r.CriticalIssues++
		case models.SeverityInfo:
			r.InfoIssues++
		default:
			r.WarningIssues++
		}
		if is.File != "" {
			files[is.File] = struct{}{}
		}
	}
	r.FilesWithIssues = len(files)

	return r
}

// Score is MaxScore minus PenaltyPerIssue per issue, floored at zero.
func Score(issueCount int) int {
	score := MaxScore - issueCount*PenaltyPerIssue
	if score < 0 {
		return 0
	}
	return score
}

func fromItem(it Item) models.Issue {
	file := it.File
	if file == "" {
		file = it.FilePath
	}
	title := strings.TrimSpace(it.Title)
	if title == "" {
		title = "Issue"
		if file != "" {
			title = "Issue in " + path.Base(file)
		}
	}
	return models.Issue{
		Title:       title,
		File:        file,
		Severity:    normalizeSeverity(it.Severity),
		Description: it.Description,
		Line:        int(it.Line),
	}
}

func fromSpelling(sp SpellingEntry) models.Issue {
	words := sp.MisspelledWords
	sample := words
	more := ""
	if len(sample) > sampleWords {
		sample = sample[:sampleWords]
		more = "..."
	}
	return models.Issue{
		Title:    "Spelling errors in " + path.Base(sp.FilePath),
		File:     sp.FilePath,
		Severity: models.SeverityWarning,
		Description: fmt.Sprintf("Found %d misspelled words: %s%s",
			len(words), strings.Join(sample, ", "), more),
	}
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case models.SeverityCritical, "error", "high":
		return models.SeverityCritical
	case models.SeverityInfo, "low", "note":
		return models.SeverityInfo
	default:
		return models.SeverityWarning
	}
}
