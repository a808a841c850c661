package model

import "time"

type DraftAuthor string

const (
	DraftBySupervisor DraftAuthor = "supervisor"
	DraftAuto         DraftAuthor = "auto"
)

// DraftSection is one append-only entry of the running synthesis document.
// Sections are never rewritten; later supervisor sections supersede earlier
// auto-appended sections for the same topic when the draft is read back.
type DraftSection struct {
	Seq       int         `json:"seq"`
	Author    DraftAuthor `json:"author"`
	Topic     string      `json:"topic"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

type ReportSection struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// FinalReport is the terminal artifact of a session.
type FinalReport struct {
	Title            string          `json:"title"`
	ExecutiveSummary string          `json:"executive_summary"`
	Sections         []ReportSection `json:"sections"`
	Conclusion       string          `json:"conclusion"`
	Sources          []string        `json:"sources"`
	ConfidenceLevel  Confidence      `json:"confidence_level"`
	Degraded         bool            `json:"degraded,omitempty"`
}

// Text renders the report as plain markdown-ish text for display and for
// saving into memory.
func (r FinalReport) Text() string {
	out := "# " + r.Title + "\n\n" + r.ExecutiveSummary + "\n"
	for _, s := range r.Sections {
		out += "\n## " + s.Heading + "\n" + s.Content + "\n"
	}
	if r.Conclusion != "" {
		out += "\n## Conclusion\n" + r.Conclusion + "\n"
	}
	if len(r.Sources) > 0 {
		out += "\n## Sources\n"
		for _, u := range r.Sources {
			out += "- " + u + "\n"
		}
	}
	return out
}
