package models

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Report is the presentation-ready view derived from a worker's raw summary.
// It is always reproducible from the stored raw summary.
type Report struct {
	Score           int     `json:"score"`
	IssueCount      int     `json:"issue_count"`
	CriticalIssues  int     `json:"critical_issues"`
	WarningIssues   int     `json:"warning_issues"`
	InfoIssues      int     `json:"info_issues"`
	FilesWithIssues int     `json:"files_with_issues"`
	TotalFiles      int     `json:"total_files"`
	Issues          []Issue `json:"issues"`
}

type Issue struct {
	Title       string `json:"title"`
	File        string `json:"file,omitempty"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	Line        int    `json:"line,omitempty"`
}
