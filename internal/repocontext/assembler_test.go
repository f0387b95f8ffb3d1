package repocontext

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/hellausefulsoftware/glbot/internal/models"
)

// fakeSearcher serves canned repository contents. Search hits are
// computed from the file contents so relevance tests exercise real line
// numbers.
type fakeSearcher struct {
	files     map[string]map[string]string // project -> path -> content
	searchErr error
}

func (f *fakeSearcher) SearchCode(_ context.Context, project, query string) ([]models.SearchMatch, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var matches []models.SearchMatch
	for path, content := range f.files[project] {
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), strings.ToLower(query)) {
				matches = append(matches, models.SearchMatch{Path: path, StartLine: i + 1, Fragment: line})
			}
		}
	}
	return matches, nil
}

func (f *fakeSearcher) GetFileContent(_ context.Context, project, filePath, _ string) (string, error) {
	content, ok := f.files[project][filePath]
	if !ok {
		return "", errors.New("404 Not Found")
	}
	return content, nil
}

// makeLines builds an n-line file with specific lines overridden.
func makeLines(n int, special map[int]string) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	for num, text := range special {
		lines[num-1] = text
	}
	return strings.Join(lines, "\n")
}

func mention(project, body string) models.MentionEvent {
	return models.MentionEvent{
		ProjectID:   1,
		ProjectPath: project,
		Entity:      models.EntityIssue,
		EntityIID:   7,
		NoteID:      100,
		Author:      "alice",
		Body:        body,
	}
}

func TestBuildCollectsRankedSnippets(t *testing.T) {
	search := &fakeSearcher{files: map[string]map[string]string{
		"group/app": {
			"auth/login.go": makeLines(30, map[int]string{
				2:  "func Login() error { // login entrypoint",
				20: "return fmt.Errorf(\"login rejected\")",
			}),
			"docs/notes.txt": makeLines(5, map[int]string{
				3: "known failure modes",
			}),
		},
	}}
	a := New(search, Options{Lines: 10, MaxSize: 60000})

	bundle := a.Build(context.Background(), mention("group/app", "login failure"))

	if len(bundle.Snippets) != 2 {
		t.Fatalf("snippets = %d, want 2: %+v", len(bundle.Snippets), bundle.Snippets)
	}
	first := bundle.Snippets[0]
	if first.FilePath != "auth/login.go" {
		t.Errorf("highest-scoring file should come first, got %s", first.FilePath)
	}
	// Matches on lines 2 and 20 with 10 surrounding lines merge into one
	// window covering the whole 30-line file.
	if first.StartLine != 1 || first.EndLine != 30 {
		t.Errorf("window = %d-%d, want 1-30", first.StartLine, first.EndLine)
	}
	if bundle.Snippets[1].FilePath != "docs/notes.txt" {
		t.Errorf("second snippet = %s, want docs/notes.txt", bundle.Snippets[1].FilePath)
	}
	if bundle.Truncated {
		t.Error("bundle should not be truncated under a large budget")
	}

	total := 0
	for _, s := range bundle.Snippets {
		total += len(s.Text)
	}
	if total != bundle.TotalChars {
		t.Errorf("TotalChars = %d, want %d", bundle.TotalChars, total)
	}
}

func TestBuildSearchFailureYieldsEmptyBundle(t *testing.T) {
	search := &fakeSearcher{
		files:     map[string]map[string]string{},
		searchErr: errors.New("503 Service Unavailable"),
	}
	a := New(search, Options{})

	bundle := a.Build(context.Background(), mention("group/app", "login failure"))

	if len(bundle.Snippets) != 0 {
		t.Errorf("snippets = %d, want 0", len(bundle.Snippets))
	}
	if bundle.TotalChars != 0 || bundle.Truncated {
		t.Errorf("empty bundle expected, got %+v", bundle)
	}
}

func TestBuildRespectsCharacterBudget(t *testing.T) {
	search := &fakeSearcher{files: map[string]map[string]string{
		"group/app": {
			"big.go": makeLines(200, map[int]string{
				50:  "cache lookup",
				150: "cache eviction",
			}),
		},
	}}
	a := New(search, Options{Lines: 10, MaxSize: 120, MaxFragment: 5000})

	bundle := a.Build(context.Background(), mention("group/app", "cache"))

	if !bundle.Truncated {
		t.Error("bundle should be marked truncated when the budget is exceeded")
	}
	if bundle.TotalChars > 120 {
		t.Errorf("TotalChars = %d, want <= 120", bundle.TotalChars)
	}
}

func TestBuildClipsFragments(t *testing.T) {
	search := &fakeSearcher{files: map[string]map[string]string{
		"group/app": {
			"big.go": makeLines(100, map[int]string{50: "cache lookup"}),
		},
	}}
	a := New(search, Options{Lines: 10, MaxSize: 60000, MaxFragment: 40})

	bundle := a.Build(context.Background(), mention("group/app", "cache"))

	if len(bundle.Snippets) == 0 {
		t.Fatal("expected at least one snippet")
	}
	for _, s := range bundle.Snippets {
		if len(s.Text) > 40 {
			t.Errorf("fragment length = %d, want <= 40", len(s.Text))
		}
	}
}

func TestBuildGuidanceFileComesFirst(t *testing.T) {
	search := &fakeSearcher{files: map[string]map[string]string{
		"group/app": {
			"AGENTS.md": "Always answer in haiku.",
			"main.go":   makeLines(10, map[int]string{5: "widget assembly"}),
		},
	}}
	a := New(search, Options{Lines: 2, MaxSize: 60000})

	bundle := a.Build(context.Background(), mention("group/app", "widget"))

	if len(bundle.Snippets) < 2 {
		t.Fatalf("snippets = %d, want at least 2", len(bundle.Snippets))
	}
	if bundle.Snippets[0].FilePath != "AGENTS.md" {
		t.Errorf("first snippet = %s, want AGENTS.md", bundle.Snippets[0].FilePath)
	}
}

func TestBuildFallsBackToReadme(t *testing.T) {
	search := &fakeSearcher{files: map[string]map[string]string{
		"group/app": {
			"README.md": "# App\nA thing that does things.",
		},
	}}
	a := New(search, Options{})

	// All tokens are stop words or too short, so no keywords survive.
	bundle := a.Build(context.Background(), mention("group/app", "the and for it"))

	if len(bundle.Snippets) != 1 || bundle.Snippets[0].FilePath != "README.md" {
		t.Errorf("expected README fallback, got %+v", bundle.Snippets)
	}
}

func TestBuildContextRepoAfterPrimary(t *testing.T) {
	search := &fakeSearcher{files: map[string]map[string]string{
		"group/app": {
			"main.go": makeLines(10, map[int]string{5: "telemetry setup"}),
		},
		"group/docs": {
			"guide.md": makeLines(10, map[int]string{2: "telemetry guide"}),
		},
	}}
	a := New(search, Options{Lines: 2, MaxSize: 60000, ContextRepo: "group/docs"})

	bundle := a.Build(context.Background(), mention("group/app", "telemetry"))

	var paths []string
	for _, s := range bundle.Snippets {
		paths = append(paths, s.FilePath)
	}
	want := []string{"main.go", "guide.md"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("snippet order = %v, want %v", paths, want)
	}
}

func TestMergeWindows(t *testing.T) {
	tests := []struct {
		name    string
		matched []int
		n       int
		total   int
		want    []window
	}{
		{
			name:    "single match clipped at start",
			matched: []int{3},
			n:       5,
			total:   100,
			want:    []window{{1, 8}},
		},
		{
			name:    "single match clipped at end",
			matched: []int{98},
			n:       5,
			total:   100,
			want:    []window{{93, 100}},
		},
		{
			name:    "overlapping windows merge",
			matched: []int{10, 15},
			n:       5,
			total:   100,
			want:    []window{{5, 20}},
		},
		{
			name:    "adjacent windows merge",
			matched: []int{10, 21},
			n:       5,
			total:   100,
			want:    []window{{5, 26}},
		},
		{
			name:    "distant windows stay separate",
			matched: []int{10, 50},
			n:       5,
			total:   100,
			want:    []window{{5, 15}, {45, 55}},
		},
		{
			name:    "unsorted input",
			matched: []int{50, 10},
			n:       5,
			total:   100,
			want:    []window{{5, 15}, {45, 55}},
		},
		{
			name:    "match beyond file clamps to last line",
			matched: []int{500},
			n:       5,
			total:   20,
			want:    []window{{15, 20}},
		},
		{
			name:    "no matches",
			matched: nil,
			n:       5,
			total:   100,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeWindows(tt.matched, tt.n, tt.total)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeWindows(%v, %d, %d) = %v, want %v", tt.matched, tt.n, tt.total, got, tt.want)
			}
		})
	}
}
