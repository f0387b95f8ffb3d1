// Package triage learns what a project's labels mean from sampled
// labeled issues and applies predicted labels to unlabeled ones.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hellausefulsoftware/glbot/internal/budget"
	"github.com/hellausefulsoftware/glbot/internal/logging"
	"github.com/hellausefulsoftware/glbot/internal/models"
)

// exemplarSummaryChars bounds how much of an issue description goes into
// one exemplar line.
const exemplarSummaryChars = 200

// Host is the code-host surface the learner needs.
type Host interface {
	ListLabels(ctx context.Context, project string) ([]models.Label, error)
	ListIssuesByLabel(ctx context.Context, project, label string, limit int) ([]models.Issue, error)
	ListRecentIssues(ctx context.Context, project string, createdAfter time.Time) ([]models.Issue, error)
	AddIssueLabels(ctx context.Context, project string, iid int64, labels []string) error
}

// Completer is the LLM collaborator used for classification.
type Completer interface {
	Complete(ctx context.Context, prompt string, tracker *budget.Tracker) (string, error)
}

// Options holds the learner's sampling and scanning knobs.
type Options struct {
	SamplePerLabel  int
	MinTotalSamples int
	Lookback        time.Duration
	ExcludedLabels  []string
}

// Learner runs one triage sweep at a time. Exemplar state is rebuilt
// every sweep and never persisted.
type Learner struct {
	host Host
	llm  Completer
	opts Options
	now  func() time.Time
}

// NewLearner creates a learner. Zero option fields get the defaults used
// in production.
func NewLearner(host Host, llm Completer, opts Options) *Learner {
	if opts.SamplePerLabel <= 0 {
		opts.SamplePerLabel = 3
	}
	if opts.MinTotalSamples <= 0 {
		opts.MinTotalSamples = 3
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	return &Learner{host: host, llm: llm, opts: opts, now: time.Now}
}

// WithClock overrides the learner's clock for tests.
func (l *Learner) WithClock(now func() time.Time) *Learner {
	l.now = now
	return l
}

type exemplarSet struct {
	labels    []string            // known label names, sampling order
	summaries map[string][]string // label -> exemplar summaries
	total     int
}

// Sweep runs the per-sweep state machine: sample labels, build
// exemplars, scan unlabeled issues, classify each, apply labels.
// Classification and label-apply failures are logged per candidate and
// never abort the remaining candidates.
func (l *Learner) Sweep(ctx context.Context, project string) error {
	set, err := l.buildExemplars(ctx, project)
	if err != nil {
		return err
	}
	if set.total < l.opts.MinTotalSamples {
		logging.Info("triage sweep skipped, not enough labeled issues to learn from",
			"project", project,
			"sampled", set.total,
			"required", l.opts.MinTotalSamples)
		return nil
	}

	candidates, err := l.host.ListRecentIssues(ctx, project, l.now().Add(-l.opts.Lookback))
	if err != nil {
		return fmt.Errorf("scanning for unlabeled issues in %s: %w", project, err)
	}

	applied := 0
	for _, issue := range candidates {
		if len(issue.Labels) > 0 {
			continue
		}
		labels, err := l.classify(ctx, set, issue)
		if err != nil {
			logging.Warn("triage classification failed",
				"project", project, "issue", issue.IID, "error", err)
			continue
		}
		if len(labels) == 0 {
			continue
		}
		if err := l.host.AddIssueLabels(ctx, project, issue.IID, labels); err != nil {
			logging.Warn("applying triage labels failed",
				"project", project, "issue", issue.IID, "labels", labels, "error", err)
			continue
		}
		applied++
		logging.Info("triage labels applied",
			"project", project, "issue", issue.IID, "labels", labels)
	}

	logging.Debug("triage sweep complete", "project", project, "labeled", applied)
	return nil
}

func (l *Learner) buildExemplars(ctx context.Context, project string) (*exemplarSet, error) {
	labels, err := l.host.ListLabels(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("listing labels in %s: %w", project, err)
	}

	set := &exemplarSet{summaries: make(map[string][]string)}
	for _, label := range labels {
		if l.excluded(label.Name) {
			continue
		}
		issues, err := l.host.ListIssuesByLabel(ctx, project, label.Name, l.opts.SamplePerLabel)
		if err != nil {
			logging.Warn("sampling labeled issues failed",
				"project", project, "label", label.Name, "error", err)
			continue
		}
		if len(issues) == 0 {
			continue
		}
		set.labels = append(set.labels, label.Name)
		for _, issue := range issues {
			set.summaries[label.Name] = append(set.summaries[label.Name], summarize(issue))
			set.total++
		}
	}
	return set, nil
}

// excluded filters labels the bot manages itself or that track workflow
// state rather than categories, plus team-routing labels ("To:" prefix).
func (l *Learner) excluded(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "to:") {
		return true
	}
	for _, ex := range l.opts.ExcludedLabels {
		if strings.EqualFold(ex, name) {
			return true
		}
	}
	return false
}

func summarize(issue models.Issue) string {
	desc := strings.TrimSpace(issue.Description)
	if len(desc) > exemplarSummaryChars {
		desc = desc[:exemplarSummaryChars]
	}
	if desc == "" {
		return issue.Title
	}
	return issue.Title + ": " + desc
}

func (l *Learner) classify(ctx context.Context, set *exemplarSet, issue models.Issue) ([]string, error) {
	prompt := buildClassificationPrompt(set, issue)
	resp, err := l.llm.Complete(ctx, prompt, nil)
	if err != nil {
		return nil, err
	}

	suggested := ParseLabels(resp)
	var known []string
	for _, s := range suggested {
		for _, name := range set.labels {
			if strings.EqualFold(s, name) {
				known = append(known, name)
				break
			}
		}
	}
	if len(known) < len(suggested) {
		logging.Debug("discarded unknown suggested labels",
			"issue", issue.IID, "suggested", suggested, "kept", known)
	}
	return known, nil
}

func buildClassificationPrompt(set *exemplarSet, issue models.Issue) string {
	var sb strings.Builder
	sb.WriteString("You label issues for a software project. Below are the known labels with examples of issues that carry them.\n\n")
	for _, name := range set.labels {
		fmt.Fprintf(&sb, "Label %q:\n", name)
		for _, summary := range set.summaries[name] {
			fmt.Fprintf(&sb, "- %s\n", summary)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Classify the following issue. Respond with ONLY a JSON array of label names from the list above that apply, e.g. [\"bug\"]. Respond with [] if none apply.\n\n")
	fmt.Fprintf(&sb, "Title: %s\n", issue.Title)
	if issue.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", issue.Description)
	}
	return sb.String()
}

// ParseLabels extracts a JSON array of label names from an LLM response,
// tolerating markdown code fences and surrounding prose.
func ParseLabels(resp string) []string {
	s := strings.TrimSpace(resp)
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			s = s[i : j+1]
		}
	}
	var labels []string
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return nil
	}
	var out []string
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
