// Package commands parses slash commands out of mention bodies and maps
// them to prompt templates and target entity types.
package commands

import (
	"fmt"
	"strings"

	"github.com/hellausefulsoftware/glbot/internal/models"
)

// Kind names a recognized slash command.
type Kind string

const (
	// Plan asks for an implementation plan (issues only)
	Plan Kind = "plan"
	// Fix asks for a proposed fix
	Fix Kind = "fix"
	// Postmortem asks for an incident postmortem draft (issues only)
	Postmortem Kind = "postmortem"
	// Security asks for a security review
	Security Kind = "security"
	// Docs asks for documentation
	Docs Kind = "docs"
	// Tests asks for test suggestions
	Tests Kind = "tests"
	// Summarize asks for a discussion summary
	Summarize Kind = "summarize"
	// Help lists available commands; answered locally without an LLM call
	Help Kind = "help"
)

// Target restricts a command to an entity type.
type Target int

const (
	// TargetGeneral commands work on issues and merge requests alike
	TargetGeneral Target = iota
	// TargetIssue commands only make sense on issues
	TargetIssue
	// TargetMergeRequest commands only make sense on merge requests
	TargetMergeRequest
)

// Command is a parsed slash command plus any trailing focus text the
// user supplied after the command token.
type Command struct {
	Kind   Kind
	Target Target
	Focus  string
}

type spec struct {
	target   Target
	template string
}

var registry = map[Kind]spec{
	Plan:       {TargetIssue, templatePlan},
	Fix:        {TargetGeneral, templateFix},
	Postmortem: {TargetIssue, templatePostmortem},
	Security:   {TargetGeneral, templateSecurity},
	Docs:       {TargetGeneral, templateDocs},
	Tests:      {TargetGeneral, templateTests},
	Summarize:  {TargetGeneral, templateSummarize},
	Help:       {TargetGeneral, ""},
}

// Parse recognizes a command token as the first non-whitespace token of
// the body, case-insensitively, with an optional leading slash. An
// unrecognized leading token is not an error: Parse returns nil and the
// mention is treated as a free-form question.
func Parse(body string) *Command {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil
	}

	token := trimmed
	rest := ""
	if i := strings.IndexAny(trimmed, " \t\n"); i >= 0 {
		token = trimmed[:i]
		rest = strings.TrimSpace(trimmed[i:])
	}

	kind := Kind(strings.ToLower(strings.TrimPrefix(token, "/")))
	sp, ok := registry[kind]
	if !ok {
		return nil
	}
	return &Command{Kind: kind, Target: sp.target, Focus: rest}
}

// AllowedOn reports whether the command may run against the given entity
// type.
func (c *Command) AllowedOn(entity models.EntityType) bool {
	switch c.Target {
	case TargetIssue:
		return entity == models.EntityIssue
	case TargetMergeRequest:
		return entity == models.EntityMergeRequest
	default:
		return true
	}
}

// MismatchReply renders the user-visible explanation posted when a
// command was used on the wrong entity type. No LLM call is made.
func (c *Command) MismatchReply(entity models.EntityType) string {
	var wanted string
	switch c.Target {
	case TargetIssue:
		wanted = "issues"
	case TargetMergeRequest:
		wanted = "merge requests"
	}
	var got string
	switch entity {
	case models.EntityIssue:
		got = "an issue"
	case models.EntityMergeRequest:
		got = "a merge request"
	}
	return fmt.Sprintf("The `/%s` command only works on %s, but this is %s. Use `/help` to see which commands apply here.", c.Kind, wanted, got)
}

// Instructions returns the prompt-template text for the command.
func (c *Command) Instructions() string {
	return registry[c.Kind].template
}

// GeneralInstructions is the template used when no command was
// recognized and the mention is a free-form question.
const GeneralInstructions = "Answer the question below using the repository context provided. " +
	"Be concrete and reference specific files and lines where relevant. " +
	"If the context does not contain enough information, say what is missing."

const (
	templatePlan = "Produce an implementation plan for this issue: the affected components, " +
		"an ordered list of changes, and the risks. Reference specific files from the context."
	templateFix = "Propose a fix for the problem described. Identify the most likely faulty code " +
		"in the context, explain the failure mode, and show the corrected code."
	templatePostmortem = "Draft a postmortem for this incident: timeline, root cause, impact, " +
		"and follow-up actions. Base the root-cause analysis on the repository context."
	templateSecurity = "Review the discussion and context for security problems: injection, " +
		"authentication and authorization gaps, secrets handling, and unsafe input paths. " +
		"Rank findings by severity."
	templateDocs = "Write documentation for the code under discussion: purpose, usage, and " +
		"noteworthy behavior. Match the tone of existing documentation in the context."
	templateTests = "Suggest tests for the code under discussion: name the cases, the " +
		"boundaries they cover, and sketch the test code."
	templateSummarize = "Summarize this discussion: the question or problem, what has been " +
		"established so far, and the open points."
)

// HelpText is the static reply for /help.
func HelpText() string {
	return strings.Join([]string{
		"Available commands (mention me with one of these as the first word):",
		"",
		"- `/plan` - implementation plan for an issue",
		"- `/fix` - propose a fix",
		"- `/postmortem` - draft a postmortem for an issue",
		"- `/security` - security review",
		"- `/docs` - write documentation",
		"- `/tests` - suggest tests",
		"- `/summarize` - summarize the discussion",
		"- `/help` - this list",
		"",
		"Anything else is treated as a free-form question. Text after the command narrows the focus, e.g. `/plan focus on auth`.",
	}, "\n")
}
