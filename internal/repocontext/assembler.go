// Package repocontext turns a mention plus repository contents into a
// size-bounded, relevance-ranked context bundle for the LLM prompt.
package repocontext

import (
	"context"
	"sort"
	"strings"

	"github.com/hellausefulsoftware/glbot/internal/logging"
	"github.com/hellausefulsoftware/glbot/internal/models"
)

// guidanceFile is fetched from the repository root and prepended to the
// bundle when present; it carries repo-specific instructions for the bot.
const guidanceFile = "AGENTS.md"

// Searcher is the repository-search collaborator the assembler queries.
type Searcher interface {
	SearchCode(ctx context.Context, project, query string) ([]models.SearchMatch, error)
	GetFileContent(ctx context.Context, project, filePath, ref string) (string, error)
}

// Options holds the assembler's size and shape knobs.
type Options struct {
	Lines         int    // context lines before and after each match
	MaxSize       int    // overall character budget
	MaxFragment   int    // per-fragment character cap
	MaxFiles      int    // most files considered per repository
	DefaultBranch string // ref used for file fetches
	ContextRepo   string // optional auxiliary documentation repository
}

// Assembler builds ContextBundles. Stateless across invocations; safe
// for concurrent use.
type Assembler struct {
	search Searcher
	opts   Options
}

// New creates an assembler. Zero option fields get working defaults.
func New(search Searcher, opts Options) *Assembler {
	if opts.Lines <= 0 {
		opts.Lines = 10
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 60000
	}
	if opts.MaxFragment <= 0 {
		opts.MaxFragment = 1000
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 250
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	return &Assembler{search: search, opts: opts}
}

// fileHit accumulates search results for one file.
type fileHit struct {
	path        string
	contentHits int
	lines       []int
}

func (h *fileHit) score(keywords []string) int {
	pathHits := 0
	lower := strings.ToLower(h.path)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			pathHits++
		}
	}
	return pathHits + 5*h.contentHits
}

// Build assembles the context bundle for one mention. It never fails: a
// failed search degrades to an empty bundle and the engagement proceeds
// with reduced context.
func (a *Assembler) Build(ctx context.Context, mention models.MentionEvent) models.ContextBundle {
	keywords := ExtractKeywords(mention.Body, mention.EntityTitle, mention.EntityDescription)

	bundle := models.ContextBundle{}
	remaining := a.opts.MaxSize

	add := func(s models.SourceSnippet) bool {
		if len(s.Text) > a.opts.MaxFragment {
			s.Text = s.Text[:a.opts.MaxFragment]
		}
		if len(s.Text) > remaining {
			bundle.Truncated = true
			return false
		}
		bundle.Snippets = append(bundle.Snippets, s)
		bundle.TotalChars += len(s.Text)
		remaining -= len(s.Text)
		return true
	}

	a.addGuidance(ctx, mention.ProjectPath, add)

	repos := []string{mention.ProjectPath}
	if a.opts.ContextRepo != "" && a.opts.ContextRepo != mention.ProjectPath {
		repos = append(repos, a.opts.ContextRepo)
	}

	if len(keywords) == 0 {
		a.addFallback(ctx, mention.ProjectPath, add)
		return bundle
	}

	for _, repo := range repos {
		if bundle.Truncated {
			break
		}
		a.addRepoMatches(ctx, repo, keywords, add)
	}

	logging.Debug("context assembled",
		"project", mention.ProjectPath,
		"keywords", len(keywords),
		"snippets", len(bundle.Snippets),
		"chars", bundle.TotalChars,
		"truncated", bundle.Truncated)
	return bundle
}

// addGuidance prepends the repository guidance file, checking the
// primary repository first and the context repository second.
func (a *Assembler) addGuidance(ctx context.Context, project string, add func(models.SourceSnippet) bool) {
	for _, repo := range []string{project, a.opts.ContextRepo} {
		if repo == "" {
			continue
		}
		content, err := a.search.GetFileContent(ctx, repo, guidanceFile, a.opts.DefaultBranch)
		if err != nil || content == "" {
			continue
		}
		add(models.SourceSnippet{FilePath: guidanceFile, Text: content})
		return
	}
}

// addFallback pulls a small set of high-signal files when the mention
// yielded no usable keywords.
func (a *Assembler) addFallback(ctx context.Context, project string, add func(models.SourceSnippet) bool) {
	for _, path := range []string{"README.md", "readme.md"} {
		content, err := a.search.GetFileContent(ctx, project, path, a.opts.DefaultBranch)
		if err != nil || content == "" {
			continue
		}
		add(models.SourceSnippet{FilePath: path, Text: content})
		return
	}
}

// addRepoMatches searches one repository for every keyword and appends
// line windows around the matches in relevance order: files with more
// hits first, earlier matches first within a file.
func (a *Assembler) addRepoMatches(ctx context.Context, repo string, keywords []string, add func(models.SourceSnippet) bool) {
	hits := make(map[string]*fileHit)

	for _, kw := range keywords {
		matches, err := a.search.SearchCode(ctx, repo, kw)
		if err != nil {
			logging.Warn("code search failed, continuing with reduced context",
				"project", repo, "keyword", kw, "error", err)
			continue
		}
		for _, m := range matches {
			h, ok := hits[m.Path]
			if !ok {
				h = &fileHit{path: m.Path}
				hits[m.Path] = h
			}
			h.contentHits++
			line := m.StartLine
			if line < 1 {
				line = 1
			}
			h.lines = append(h.lines, line)
		}
	}
	if len(hits) == 0 {
		return
	}

	ranked := make([]*fileHit, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := ranked[i].score(keywords), ranked[j].score(keywords)
		if si != sj {
			return si > sj
		}
		return ranked[i].path < ranked[j].path
	})
	if len(ranked) > a.opts.MaxFiles {
		ranked = ranked[:a.opts.MaxFiles]
	}

	for _, h := range ranked {
		content, err := a.search.GetFileContent(ctx, repo, h.path, a.opts.DefaultBranch)
		if err != nil {
			logging.Debug("file fetch failed, skipping", "project", repo, "path", h.path, "error", err)
			continue
		}
		lines := strings.Split(content, "\n")
		for _, w := range mergeWindows(h.lines, a.opts.Lines, len(lines)) {
			text := strings.Join(lines[w.start-1:w.end], "\n")
			if !add(models.SourceSnippet{
				FilePath:  h.path,
				StartLine: w.start,
				EndLine:   w.end,
				Text:      text,
			}) {
				return
			}
		}
	}
}

type window struct {
	start, end int // 1-based, inclusive
}

// mergeWindows expands each matched line into a ±n window clipped to the
// file, then merges overlapping and adjacent windows. Lines are 1-based.
func mergeWindows(matched []int, n, totalLines int) []window {
	if len(matched) == 0 || totalLines == 0 {
		return nil
	}

	sorted := append([]int(nil), matched...)
	sort.Ints(sorted)

	var out []window
	for _, line := range sorted {
		if line > totalLines {
			line = totalLines
		}
		w := window{start: line - n, end: line + n}
		if w.start < 1 {
			w.start = 1
		}
		if w.end > totalLines {
			w.end = totalLines
		}
		if len(out) > 0 && w.start <= out[len(out)-1].end+1 {
			if w.end > out[len(out)-1].end {
				out[len(out)-1].end = w.end
			}
			continue
		}
		out = append(out, w)
	}
	return out
}
