// Package poller drives periodic sweeps across configured repositories:
// mention discovery, stale-issue labeling, and triage.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hellausefulsoftware/glbot/internal/engage"
	"github.com/hellausefulsoftware/glbot/internal/logging"
	"github.com/hellausefulsoftware/glbot/internal/models"
)

// StaleLabel is the hygiene label managed by the stale sweep.
const StaleLabel = "stale"

// Host is the code-host surface the scheduler needs.
type Host interface {
	ListIssues(ctx context.Context, project string, since time.Time) ([]models.Issue, error)
	ListIssueNotes(ctx context.Context, project string, iid int64) ([]models.Note, error)
	ListMergeRequests(ctx context.Context, project string, since time.Time) ([]models.MergeRequest, error)
	ListMergeRequestNotes(ctx context.Context, project string, iid int64) ([]models.Note, error)
	AddIssueLabels(ctx context.Context, project string, iid int64, labels []string) error
	RemoveIssueLabels(ctx context.Context, project string, iid int64, labels []string) error
}

// Engager runs the per-mention pipeline.
type Engager interface {
	Process(ctx context.Context, mention models.MentionEvent) (engage.State, error)
}

// Triager runs one triage sweep for a project.
type Triager interface {
	Sweep(ctx context.Context, project string) error
}

// Options configures a Scheduler.
type Options struct {
	Repos       []string
	BotUsername string
	Interval    time.Duration
	MaxAge      time.Duration // lookback floor for incremental fetches
	StaleAge    time.Duration
	MaxParallel int
}

// Scheduler owns the per-repository watermarks and drives sweeps on a
// fixed interval. Repositories are swept with bounded parallelism; a
// failure in one repository never affects the others.
type Scheduler struct {
	host    Host
	engine  Engager
	triager Triager // nil when auto-triage is disabled
	opts    Options

	mu         sync.Mutex
	watermarks map[string]time.Time

	now      func() time.Time
	logDedup *logging.Deduplicator
}

// New creates a scheduler. triager may be nil.
func New(host Host, engine Engager, triager Triager, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = 30 * 24 * time.Hour
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	return &Scheduler{
		host:       host,
		engine:     engine,
		triager:    triager,
		opts:       opts,
		watermarks: make(map[string]time.Time),
		now:        time.Now,
		logDedup:   logging.NewDeduplicator(time.Hour),
	}
}

// WithClock overrides the scheduler's clock for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run sweeps immediately and then on every interval tick until the
// context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info("poll scheduler started",
		"repos", len(s.opts.Repos),
		"interval", s.opts.Interval)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	if err := s.SweepOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			logging.Info("poll scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				return err
			}
			s.logDedup.Cleanup()
		}
	}
}

// SweepOnce runs one sweep over all configured repositories with
// bounded parallelism. Per-repository failures are logged and absorbed;
// only context cancellation is returned.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)

	for _, repo := range s.opts.Repos {
		repo := repo
		g.Go(func() error {
			if err := s.sweepRepo(gctx, repo); err != nil {
				logging.Error("repository sweep failed, watermark not advanced",
					"project", repo, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// sweepRepo performs one repository's sweep: mention scan, stale check,
// triage. The watermark advances only when the mention scan completed
// without a fatal error, so a crash mid-sweep re-processes the same
// window (the mention cache absorbs the duplicates).
func (s *Scheduler) sweepRepo(ctx context.Context, repo string) error {
	start := s.now()
	since := s.effectiveSince(repo, start)

	found, err := s.scanIssueMentions(ctx, repo, since)
	if err != nil {
		return err
	}
	mrFound, err := s.scanMergeRequestMentions(ctx, repo, since)
	if err != nil {
		return err
	}
	found += mrFound

	if found == 0 {
		if s.logDedup.ShouldLog("no-mentions:" + repo) {
			logging.Info("no new mentions", "project", repo)
		}
	} else {
		logging.Info("mention scan complete", "project", repo, "mentions", found)
	}

	s.staleSweep(ctx, repo, start)

	if s.triager != nil {
		if err := s.triager.Sweep(ctx, repo); err != nil {
			logging.Warn("triage sweep failed", "project", repo, "error", err)
		}
	}

	s.setWatermark(repo, start)
	return nil
}

// effectiveSince clamps the watermark to the maximum lookback so a long
// outage or a fresh start never replays unbounded history.
func (s *Scheduler) effectiveSince(repo string, now time.Time) time.Time {
	floor := now.Add(-s.opts.MaxAge)
	s.mu.Lock()
	wm, ok := s.watermarks[repo]
	s.mu.Unlock()
	if !ok || wm.Before(floor) {
		return floor
	}
	return wm
}

func (s *Scheduler) setWatermark(repo string, t time.Time) {
	s.mu.Lock()
	s.watermarks[repo] = t
	s.mu.Unlock()
}

// Watermark returns the repository's last successful sweep time.
func (s *Scheduler) Watermark(repo string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[repo]
	return wm, ok
}

func (s *Scheduler) scanIssueMentions(ctx context.Context, repo string, since time.Time) (int, error) {
	issues, err := s.host.ListIssues(ctx, repo, since)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, issue := range issues {
		notes, err := s.host.ListIssueNotes(ctx, repo, issue.IID)
		if err != nil {
			return found, err
		}
		for _, note := range notes {
			if !s.isMention(note, since) {
				continue
			}
			found++
			ev := models.MentionEvent{
				ProjectID:         issue.ProjectID,
				ProjectPath:       repo,
				Entity:            models.EntityIssue,
				EntityIID:         issue.IID,
				NoteID:            note.ID,
				Author:            note.Author,
				Body:              note.Body,
				CreatedAt:         note.CreatedAt,
				EntityTitle:       issue.Title,
				EntityDescription: issue.Description,
			}
			// One mention's failure never aborts the sweep; the cache
			// left it unrecorded, so the next tick retries it.
			if _, err := s.engine.Process(ctx, ev); err != nil {
				logging.Error("mention engagement failed", "mention", ev.Identity(), "error", err)
			}
		}
	}
	return found, nil
}

func (s *Scheduler) scanMergeRequestMentions(ctx context.Context, repo string, since time.Time) (int, error) {
	mrs, err := s.host.ListMergeRequests(ctx, repo, since)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, mr := range mrs {
		notes, err := s.host.ListMergeRequestNotes(ctx, repo, mr.IID)
		if err != nil {
			return found, err
		}
		for _, note := range notes {
			if !s.isMention(note, since) {
				continue
			}
			found++
			ev := models.MentionEvent{
				ProjectID:         mr.ProjectID,
				ProjectPath:       repo,
				Entity:            models.EntityMergeRequest,
				EntityIID:         mr.IID,
				NoteID:            note.ID,
				Author:            note.Author,
				Body:              note.Body,
				CreatedAt:         note.CreatedAt,
				EntityTitle:       mr.Title,
				EntityDescription: mr.Description,
			}
			if _, err := s.engine.Process(ctx, ev); err != nil {
				logging.Error("mention engagement failed", "mention", ev.Identity(), "error", err)
			}
		}
	}
	return found, nil
}

// isMention reports whether a note is a fresh, human-authored mention of
// the bot.
func (s *Scheduler) isMention(note models.Note, since time.Time) bool {
	if note.System {
		return false
	}
	if strings.EqualFold(note.Author, s.opts.BotUsername) {
		return false
	}
	if !note.CreatedAt.After(since) {
		return false
	}
	handle := "@" + strings.ToLower(s.opts.BotUsername)
	return strings.Contains(strings.ToLower(note.Body), handle)
}

// staleSweep applies and removes the stale label based purely on current
// remote state. Failures here are partial: logged, never fatal for the
// sweep.
func (s *Scheduler) staleSweep(ctx context.Context, repo string, now time.Time) {
	issues, err := s.host.ListIssues(ctx, repo, time.Time{})
	if err != nil {
		logging.Warn("stale sweep listing failed", "project", repo, "error", err)
		return
	}

	for _, issue := range issues {
		s.checkStale(ctx, repo, issue, now)
	}
}

func (s *Scheduler) checkStale(ctx context.Context, repo string, issue models.Issue, now time.Time) {
	hasLabel := issue.HasLabel(StaleLabel)
	age := now.Sub(issue.UpdatedAt)

	if age >= s.opts.StaleAge {
		// Nothing at all has touched the issue for the whole threshold.
		if !hasLabel {
			if err := s.host.AddIssueLabels(ctx, repo, issue.IID, []string{StaleLabel}); err != nil {
				logging.Warn("adding stale label failed", "project", repo, "issue", issue.IID, "error", err)
				return
			}
			logging.Info("stale label added", "project", repo, "issue", issue.IID)
		}
		return
	}

	if !hasLabel {
		// Recently active and unlabeled: updated_at alone decides, skip
		// the note fetch.
		return
	}

	// Updated recently while carrying the label. The update may be our
	// own label add, so only human activity counts toward removal.
	notes, err := s.host.ListIssueNotes(ctx, repo, issue.IID)
	if err != nil {
		logging.Warn("stale check note fetch failed", "project", repo, "issue", issue.IID, "error", err)
		return
	}
	last := issue.CreatedAt
	for _, n := range notes {
		if n.System || strings.EqualFold(n.Author, s.opts.BotUsername) {
			continue
		}
		if n.CreatedAt.After(last) {
			last = n.CreatedAt
		}
	}
	if now.Sub(last) < s.opts.StaleAge {
		if err := s.host.RemoveIssueLabels(ctx, repo, issue.IID, []string{StaleLabel}); err != nil {
			logging.Warn("removing stale label failed", "project", repo, "issue", issue.IID, "error", err)
			return
		}
		logging.Info("stale label removed", "project", repo, "issue", issue.IID)
	}
}
