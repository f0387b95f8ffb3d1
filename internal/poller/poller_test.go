package poller

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hellausefulsoftware/glbot/internal/engage"
	"github.com/hellausefulsoftware/glbot/internal/models"
)

type fakePollHost struct {
	mu         sync.Mutex
	issues     map[string][]models.Issue
	issueNotes map[string]map[int64][]models.Note
	mrs        map[string][]models.MergeRequest
	mrNotes    map[string]map[int64][]models.Note
	listErr    map[string]error
	added      map[int64][]string
	removed    map[int64][]string
}

func newFakePollHost() *fakePollHost {
	return &fakePollHost{
		issues:     make(map[string][]models.Issue),
		issueNotes: make(map[string]map[int64][]models.Note),
		mrs:        make(map[string][]models.MergeRequest),
		mrNotes:    make(map[string]map[int64][]models.Note),
		listErr:    make(map[string]error),
		added:      make(map[int64][]string),
		removed:    make(map[int64][]string),
	}
}

func (f *fakePollHost) ListIssues(_ context.Context, project string, _ time.Time) ([]models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[project]; err != nil {
		return nil, err
	}
	return f.issues[project], nil
}

func (f *fakePollHost) ListIssueNotes(_ context.Context, project string, iid int64) ([]models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueNotes[project][iid], nil
}

func (f *fakePollHost) ListMergeRequests(_ context.Context, project string, _ time.Time) ([]models.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mrs[project], nil
}

func (f *fakePollHost) ListMergeRequestNotes(_ context.Context, project string, iid int64) ([]models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mrNotes[project][iid], nil
}

func (f *fakePollHost) AddIssueLabels(_ context.Context, _ string, iid int64, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[iid] = append(f.added[iid], labels...)
	return nil
}

func (f *fakePollHost) RemoveIssueLabels(_ context.Context, _ string, iid int64, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[iid] = append(f.removed[iid], labels...)
	return nil
}

type fakeEngager struct {
	mu     sync.Mutex
	events []models.MentionEvent
}

func (f *fakeEngager) Process(_ context.Context, m models.MentionEvent) (engage.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, m)
	return engage.StateRecorded, nil
}

func (f *fakeEngager) identities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, e := range f.events {
		ids = append(ids, e.Identity())
	}
	return ids
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(host *fakePollHost, engine *fakeEngager, repos ...string) *Scheduler {
	return New(host, engine, nil, Options{
		Repos:       repos,
		BotUsername: "glbot",
		Interval:    time.Minute,
		MaxAge:      24 * time.Hour,
		StaleAge:    30 * 24 * time.Hour,
		MaxParallel: 2,
	}).WithClock(func() time.Time { return testNow })
}

func TestSweepDetectsMentionsAndFiltersNoise(t *testing.T) {
	host := newFakePollHost()
	host.issues["group/app"] = []models.Issue{{
		ProjectID: 1, IID: 7, Title: "Login fails",
		State:     "opened",
		CreatedAt: testNow.Add(-48 * time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}}
	host.issueNotes["group/app"] = map[int64][]models.Note{
		7: {
			{ID: 1, Body: "@glbot help me out", Author: "alice", CreatedAt: testNow.Add(-time.Hour)},
			{ID: 2, Body: "@glbot from the bot itself", Author: "glbot", CreatedAt: testNow.Add(-time.Hour)},
			{ID: 3, Body: "@glbot in a system note", Author: "alice", System: true, CreatedAt: testNow.Add(-time.Hour)},
			{ID: 4, Body: "@glbot but too old", Author: "alice", CreatedAt: testNow.Add(-48 * time.Hour)},
			{ID: 5, Body: "no handle here", Author: "alice", CreatedAt: testNow.Add(-time.Hour)},
		},
	}
	engine := &fakeEngager{}
	s := newTestScheduler(host, engine, "group/app")

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	want := []string{"1/issue/7/1"}
	if got := engine.identities(); !reflect.DeepEqual(got, want) {
		t.Errorf("engaged mentions = %v, want %v", got, want)
	}
	if engine.events[0].EntityTitle != "Login fails" {
		t.Errorf("event should carry the entity title, got %q", engine.events[0].EntityTitle)
	}
}

func TestSweepDetectsMergeRequestMentions(t *testing.T) {
	host := newFakePollHost()
	host.mrs["group/app"] = []models.MergeRequest{{
		ProjectID: 1, IID: 3, Title: "Add cache",
		State:     "opened",
		CreatedAt: testNow.Add(-2 * time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}}
	host.mrNotes["group/app"] = map[int64][]models.Note{
		3: {{ID: 9, Body: "@GLBot /summarize", Author: "bob", CreatedAt: testNow.Add(-time.Hour)}},
	}
	engine := &fakeEngager{}
	s := newTestScheduler(host, engine, "group/app")

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if len(engine.events) != 1 {
		t.Fatalf("events = %d, want 1", len(engine.events))
	}
	ev := engine.events[0]
	if ev.Entity != models.EntityMergeRequest || ev.EntityIID != 3 {
		t.Errorf("event = %+v, want merge request !3", ev)
	}
}

func TestWatermarkAdvancesAfterCleanSweep(t *testing.T) {
	host := newFakePollHost()
	host.issues["group/app"] = []models.Issue{{
		ProjectID: 1, IID: 7, State: "opened",
		CreatedAt: testNow.Add(-2 * time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}}
	host.issueNotes["group/app"] = map[int64][]models.Note{
		7: {{ID: 1, Body: "@glbot hi", Author: "alice", CreatedAt: testNow.Add(-time.Hour)}},
	}
	engine := &fakeEngager{}
	s := newTestScheduler(host, engine, "group/app")

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	wm, ok := s.Watermark("group/app")
	if !ok || !wm.Equal(testNow) {
		t.Fatalf("watermark = (%v, %v), want (%v, true)", wm, ok, testNow)
	}

	// A second sweep over the same notes finds nothing new: the note
	// predates the watermark.
	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("second SweepOnce returned error: %v", err)
	}
	if len(engine.events) != 1 {
		t.Errorf("events after second sweep = %d, want 1", len(engine.events))
	}
}

func TestFailedRepoKeepsWatermarkAndOthersProceed(t *testing.T) {
	host := newFakePollHost()
	host.listErr["group/broken"] = errors.New("503 Service Unavailable")
	host.issues["group/app"] = []models.Issue{{
		ProjectID: 1, IID: 7, State: "opened",
		CreatedAt: testNow.Add(-2 * time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}}
	host.issueNotes["group/app"] = map[int64][]models.Note{
		7: {{ID: 1, Body: "@glbot hi", Author: "alice", CreatedAt: testNow.Add(-time.Hour)}},
	}
	engine := &fakeEngager{}
	s := newTestScheduler(host, engine, "group/broken", "group/app")

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if _, ok := s.Watermark("group/broken"); ok {
		t.Error("failed repository must not advance its watermark")
	}
	if _, ok := s.Watermark("group/app"); !ok {
		t.Error("healthy repository should advance its watermark")
	}
	if len(engine.events) != 1 {
		t.Errorf("events = %d, want 1 from the healthy repository", len(engine.events))
	}
}

func TestMaxAgeClampsFirstSweep(t *testing.T) {
	host := newFakePollHost()
	host.issues["group/app"] = []models.Issue{{
		ProjectID: 1, IID: 7, State: "opened",
		CreatedAt: testNow.Add(-72 * time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}}
	host.issueNotes["group/app"] = map[int64][]models.Note{
		7: {{ID: 1, Body: "@glbot ancient mention", Author: "alice", CreatedAt: testNow.Add(-48 * time.Hour)}},
	}
	engine := &fakeEngager{}
	s := newTestScheduler(host, engine, "group/app")

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if len(engine.events) != 0 {
		t.Errorf("events = %d, want 0 for a mention older than the lookback", len(engine.events))
	}
}

func TestStaleSweep(t *testing.T) {
	staleAge := 30 * 24 * time.Hour

	tests := []struct {
		name       string
		issue      models.Issue
		notes      []models.Note
		wantAdd    bool
		wantRemove bool
	}{
		{
			name: "untouched beyond threshold gets labeled",
			issue: models.Issue{
				ProjectID: 1, IID: 20, State: "opened",
				CreatedAt: testNow.Add(-60 * 24 * time.Hour),
				UpdatedAt: testNow.Add(-40 * 24 * time.Hour),
			},
			wantAdd: true,
		},
		{
			name: "already labeled and still stale stays untouched",
			issue: models.Issue{
				ProjectID: 1, IID: 21, State: "opened", Labels: []string{"stale"},
				CreatedAt: testNow.Add(-60 * 24 * time.Hour),
				UpdatedAt: testNow.Add(-40 * 24 * time.Hour),
			},
		},
		{
			name: "labeled with recent human activity gets unlabeled",
			issue: models.Issue{
				ProjectID: 1, IID: 22, State: "opened", Labels: []string{"stale"},
				CreatedAt: testNow.Add(-60 * 24 * time.Hour),
				UpdatedAt: testNow.Add(-24 * time.Hour),
			},
			notes: []models.Note{
				{ID: 1, Body: "still happening", Author: "alice", CreatedAt: testNow.Add(-24 * time.Hour)},
			},
			wantRemove: true,
		},
		{
			name: "labeled with only bot activity keeps the label",
			issue: models.Issue{
				ProjectID: 1, IID: 23, State: "opened", Labels: []string{"stale"},
				CreatedAt: testNow.Add(-60 * 24 * time.Hour),
				UpdatedAt: testNow.Add(-24 * time.Hour),
			},
			notes: []models.Note{
				{ID: 1, Body: "marking stale", Author: "glbot", CreatedAt: testNow.Add(-24 * time.Hour)},
				{ID: 2, Body: "label change", Author: "alice", System: true, CreatedAt: testNow.Add(-24 * time.Hour)},
			},
		},
		{
			name: "recently active unlabeled issue stays unlabeled",
			issue: models.Issue{
				ProjectID: 1, IID: 24, State: "opened",
				CreatedAt: testNow.Add(-60 * 24 * time.Hour),
				UpdatedAt: testNow.Add(-time.Hour),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakePollHost()
			host.issues["group/app"] = []models.Issue{tt.issue}
			host.issueNotes["group/app"] = map[int64][]models.Note{tt.issue.IID: tt.notes}
			engine := &fakeEngager{}
			s := New(host, engine, nil, Options{
				Repos:       []string{"group/app"},
				BotUsername: "glbot",
				Interval:    time.Minute,
				MaxAge:      24 * time.Hour,
				StaleAge:    staleAge,
			}).WithClock(func() time.Time { return testNow })

			if err := s.SweepOnce(context.Background()); err != nil {
				t.Fatalf("SweepOnce returned error: %v", err)
			}

			_, added := host.added[tt.issue.IID]
			if added != tt.wantAdd {
				t.Errorf("stale label added = %v, want %v", added, tt.wantAdd)
			}
			_, removed := host.removed[tt.issue.IID]
			if removed != tt.wantRemove {
				t.Errorf("stale label removed = %v, want %v", removed, tt.wantRemove)
			}
		})
	}
}

type fakeTriager struct {
	mu    sync.Mutex
	swept []string
	err   error
}

func (f *fakeTriager) Sweep(_ context.Context, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, project)
	return f.err
}

func TestTriageFailureDoesNotBlockWatermark(t *testing.T) {
	host := newFakePollHost()
	engine := &fakeEngager{}
	triager := &fakeTriager{err: errors.New("429 Too Many Requests")}
	s := New(host, engine, triager, Options{
		Repos:       []string{"group/app"},
		BotUsername: "glbot",
		Interval:    time.Minute,
		MaxAge:      24 * time.Hour,
		StaleAge:    30 * 24 * time.Hour,
	}).WithClock(func() time.Time { return testNow })

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if len(triager.swept) != 1 || triager.swept[0] != "group/app" {
		t.Errorf("triager swept = %v, want [group/app]", triager.swept)
	}
	if _, ok := s.Watermark("group/app"); !ok {
		t.Error("triage failure must not block the watermark")
	}
}
