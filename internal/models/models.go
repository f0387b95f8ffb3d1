// Package models defines the domain types shared across the engagement
// pipeline, the poll scheduler, and the triage learner.
package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityType distinguishes the two kinds of discussable entities.
type EntityType string

const (
	// EntityIssue is a GitLab issue
	EntityIssue EntityType = "issue"
	// EntityMergeRequest is a GitLab merge request
	EntityMergeRequest EntityType = "merge_request"
)

// MentionEvent is one observed mention of the bot in a note. Immutable
// once constructed.
type MentionEvent struct {
	ProjectID   int64
	ProjectPath string
	Entity      EntityType
	EntityIID   int64
	NoteID      int64
	Author      string
	Body        string
	CreatedAt   time.Time

	// Entity context carried along so the assembler and prompt builder
	// do not need another fetch.
	EntityTitle       string
	EntityDescription string
}

// Identity returns the dedup key for this mention. Two events with the
// same identity are the same mention.
func (m MentionEvent) Identity() string {
	return fmt.Sprintf("%d/%s/%d/%d", m.ProjectID, m.Entity, m.EntityIID, m.NoteID)
}

// SourceSnippet is one extracted window of repository content.
type SourceSnippet struct {
	FilePath  string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive
	Text      string
}

// ContextBundle is the bounded, relevance-ordered context assembled for
// one engagement. Never persisted.
type ContextBundle struct {
	Snippets   []SourceSnippet
	TotalChars int
	Truncated  bool
}

// Render formats the bundle for inclusion in a prompt.
func (b ContextBundle) Render() string {
	if len(b.Snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range b.Snippets {
		if s.StartLine > 0 {
			fmt.Fprintf(&sb, "File: %s (lines %d-%d)\n", s.FilePath, s.StartLine, s.EndLine)
		} else {
			fmt.Fprintf(&sb, "File: %s\n", s.FilePath)
		}
		sb.WriteString("```\n")
		sb.WriteString(s.Text)
		if !strings.HasSuffix(s.Text, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n\n")
	}
	if b.Truncated {
		sb.WriteString("[Additional files omitted due to context size limits]\n")
	}
	return sb.String()
}

// Issue is the subset of GitLab issue state the bot cares about.
type Issue struct {
	ProjectID   int64
	IID         int64
	Title       string
	Description string
	Author      string
	State       string
	Labels      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasLabel reports whether the issue carries the named label,
// case-insensitively.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// MergeRequest is the subset of GitLab merge request state the bot cares
// about.
type MergeRequest struct {
	ProjectID    int64
	IID          int64
	Title        string
	Description  string
	Author       string
	State        string
	SourceBranch string
	TargetBranch string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Note is a comment on an issue or merge request.
type Note struct {
	ID        int64
	Body      string
	Author    string
	System    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Label is a project label definition.
type Label struct {
	Name        string
	Description string
}

// Project is the repository metadata needed by the pipeline.
type Project struct {
	ID            int64
	Path          string
	DefaultBranch string
}

// SearchMatch is one blob-search hit: the file it occurred in, the line
// the returned fragment starts at, and the fragment itself.
type SearchMatch struct {
	Path      string
	StartLine int
	Fragment  string
}
