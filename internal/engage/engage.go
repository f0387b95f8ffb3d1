// Package engage implements the per-mention pipeline: cache check,
// context build, command routing, LLM call, reply post, cache commit.
package engage

import (
	"context"
	"fmt"
	"strings"

	"github.com/hellausefulsoftware/glbot/internal/budget"
	"github.com/hellausefulsoftware/glbot/internal/commands"
	"github.com/hellausefulsoftware/glbot/internal/logging"
	"github.com/hellausefulsoftware/glbot/internal/models"
)

// State names a position in the engagement pipeline. Terminal states are
// Recorded, Skipped and Failed.
type State string

const (
	StateDetected     State = "detected"
	StateDeduped      State = "deduped"
	StateContextBuilt State = "context_built"
	StateRouted       State = "routed"
	StateResponded    State = "responded"
	StatePosted       State = "posted"
	StateRecorded     State = "recorded"
	StateSkipped      State = "skipped"
	StateFailed       State = "failed"
)

// maxNoteChars keeps replies under GitLab's note size limit.
const maxNoteChars = 100000

// Cache is the dedup store. Reserve wins at most once per identity;
// Commit is called only after a successful post so a failed engagement
// stays eligible for retry on the next poll tick.
type Cache interface {
	Reserve(id string) bool
	Commit(id string)
	Release(id string)
}

// ContextBuilder assembles repository context for a mention. It never
// fails; search errors degrade to an empty bundle.
type ContextBuilder interface {
	Build(ctx context.Context, mention models.MentionEvent) models.ContextBundle
}

// Completer is the LLM collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string, tracker *budget.Tracker) (string, error)
}

// NotePoster posts replies to the code host.
type NotePoster interface {
	PostIssueNote(ctx context.Context, project string, iid int64, body string) error
	PostMergeRequestNote(ctx context.Context, project string, iid int64, body string) error
}

// Engine runs the engagement pipeline. Safe for concurrent use; the
// cache is the only shared mutable state.
type Engine struct {
	cache        Cache
	assembler    ContextBuilder
	llm          Completer
	host         NotePoster
	botUsername  string
	promptPrefix string
	maxToolCalls int
}

// Options configures an Engine.
type Options struct {
	BotUsername  string
	PromptPrefix string
	MaxToolCalls int
}

// NewEngine wires the pipeline's collaborators together.
func NewEngine(cache Cache, assembler ContextBuilder, llm Completer, host NotePoster, opts Options) *Engine {
	return &Engine{
		cache:        cache,
		assembler:    assembler,
		llm:          llm,
		host:         host,
		botUsername:  opts.BotUsername,
		promptPrefix: opts.PromptPrefix,
		maxToolCalls: opts.MaxToolCalls,
	}
}

// Process drives one mention through the pipeline and returns the
// terminal state it reached. A Failed result leaves the mention
// unrecorded so the next poll tick retries it.
func (e *Engine) Process(ctx context.Context, mention models.MentionEvent) (State, error) {
	id := mention.Identity()
	log := logging.WithField("mention", id)

	if !e.cache.Reserve(id) {
		log.Debug("mention already handled, skipping")
		return StateSkipped, nil
	}

	bundle := e.assembler.Build(ctx, mention)

	question := textAfterMention(mention.Body, e.botUsername)
	cmd := commands.Parse(question)

	// Entity-mismatch and /help are answered locally; no LLM call.
	if cmd != nil {
		if !cmd.AllowedOn(mention.Entity) {
			log.Info("command does not apply to entity type", "command", cmd.Kind, "entity", mention.Entity)
			return e.post(ctx, mention, cmd.MismatchReply(mention.Entity))
		}
		if cmd.Kind == commands.Help {
			return e.post(ctx, mention, commands.HelpText())
		}
	}

	prompt := e.buildPrompt(mention, cmd, question, bundle)
	tracker := budget.NewTracker(e.maxToolCalls)

	answer, err := e.llm.Complete(ctx, prompt, tracker)
	if err != nil {
		e.cache.Release(id)
		log.Error("completion failed, mention left for retry", "error", err)
		return StateFailed, fmt.Errorf("completing mention %s: %w", id, err)
	}
	if strings.TrimSpace(answer) == "" {
		e.cache.Release(id)
		return StateFailed, fmt.Errorf("completing mention %s: empty answer", id)
	}

	return e.post(ctx, mention, answer)
}

// post delivers the reply and commits the mention on success.
func (e *Engine) post(ctx context.Context, mention models.MentionEvent, answer string) (State, error) {
	id := mention.Identity()
	reply := formatReply(mention.Author, answer)

	var err error
	switch mention.Entity {
	case models.EntityMergeRequest:
		err = e.host.PostMergeRequestNote(ctx, mention.ProjectPath, mention.EntityIID, reply)
	default:
		err = e.host.PostIssueNote(ctx, mention.ProjectPath, mention.EntityIID, reply)
	}
	if err != nil {
		e.cache.Release(id)
		logging.Error("posting reply failed, mention left for retry", "mention", id, "error", err)
		return StateFailed, fmt.Errorf("posting reply for %s: %w", id, err)
	}

	e.cache.Commit(id)
	logging.Info("replied to mention",
		"mention", id,
		"project", mention.ProjectPath,
		"entity", mention.Entity,
		"iid", mention.EntityIID)
	return StateRecorded, nil
}

func (e *Engine) buildPrompt(mention models.MentionEvent, cmd *commands.Command, question string, bundle models.ContextBundle) string {
	var sb strings.Builder

	if e.promptPrefix != "" {
		sb.WriteString(e.promptPrefix)
		sb.WriteString("\n\n")
	}

	if cmd != nil {
		sb.WriteString(cmd.Instructions())
	} else {
		sb.WriteString(commands.GeneralInstructions)
	}
	sb.WriteString("\n\n")

	entityName := "Issue"
	if mention.Entity == models.EntityMergeRequest {
		entityName = "Merge request"
	}
	fmt.Fprintf(&sb, "%s #%d in %s: %s\n", entityName, mention.EntityIID, mention.ProjectPath, mention.EntityTitle)
	if mention.EntityDescription != "" {
		sb.WriteString(mention.EntityDescription)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if cmd != nil {
		if cmd.Focus != "" {
			fmt.Fprintf(&sb, "Focus requested by @%s: %s\n\n", mention.Author, cmd.Focus)
		}
	} else if question != "" {
		fmt.Fprintf(&sb, "Question from @%s: %s\n\n", mention.Author, question)
	}

	if rendered := bundle.Render(); rendered != "" {
		sb.WriteString("Repository context:\n\n")
		sb.WriteString(rendered)
	}

	return sb.String()
}

// textAfterMention returns the mention body with everything up to and
// including the bot's handle stripped, so command parsing sees the text
// the user addressed to the bot.
func textAfterMention(body, username string) string {
	handle := "@" + strings.ToLower(username)
	lower := strings.ToLower(body)
	idx := strings.Index(lower, handle)
	if idx < 0 {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(body[idx+len(handle):])
}

func formatReply(author, answer string) string {
	reply := fmt.Sprintf("Hey @%s, here's the information you requested:\n\n---\n\n%s", author, answer)
	if len(reply) > maxNoteChars {
		reply = reply[:maxNoteChars]
	}
	return reply
}
