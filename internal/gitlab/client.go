// Package gitlab wraps the GitLab API client with the narrow surface the
// bot needs: incremental issue/MR/note listing, note posting, label
// updates, code search, and file fetches.
package gitlab

import (
	"context"
	"fmt"
	"strings"
	"time"

	glab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hellausefulsoftware/glbot/internal/config"
	"github.com/hellausefulsoftware/glbot/internal/models"
)

const perPage = 100

// Client is a rate-limited wrapper around the GitLab API client. Safe
// for concurrent use.
type Client struct {
	api     *glab.Client
	limiter *rate.Limiter
}

// NewClient creates a client from configuration. The token is carried by
// an oauth2 transport so the underlying HTTP client handles refreshing
// uniformly with other token sources.
func NewClient(cfg *config.Config) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitLab.Token})
	httpClient := oauth2.NewClient(context.Background(), ts)

	baseURL := strings.TrimSuffix(cfg.GitLab.URL, "/") + "/api/v4"
	api, err := glab.NewClient(
		cfg.GitLab.Token,
		glab.WithBaseURL(baseURL),
		glab.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	return &Client{
		api: api,
		// GitLab.com allows ~10 req/s for authenticated API traffic;
		// stay under it so polling never trips the server-side limiter.
		limiter: rate.NewLimiter(rate.Limit(8), 16),
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// CurrentUser returns the username of the authenticated account.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	user, _, err := c.api.Users.CurrentUser(glab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetching current user: %w", err)
	}
	return user.Username, nil
}

// GetProject fetches project metadata by path.
func (c *Client) GetProject(ctx context.Context, path string) (*models.Project, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	p, _, err := c.api.Projects.GetProject(path, &glab.GetProjectOptions{}, glab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching project %s: %w", path, err)
	}
	return &models.Project{
		ID:            int64(p.ID),
		Path:          p.PathWithNamespace,
		DefaultBranch: p.DefaultBranch,
	}, nil
}

// ListIssues returns open issues for the project. A zero since lists all
// open issues; otherwise only issues updated after since are returned.
func (c *Client) ListIssues(ctx context.Context, project string, since time.Time) ([]models.Issue, error) {
	opts := &glab.ListProjectIssuesOptions{
		State:       glab.Ptr("opened"),
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}
	if !since.IsZero() {
		opts.UpdatedAfter = &since
	}
	return c.listIssues(ctx, project, opts)
}

// ListRecentIssues returns open issues created after the given time,
// used by the triage learner to find classification candidates.
func (c *Client) ListRecentIssues(ctx context.Context, project string, createdAfter time.Time) ([]models.Issue, error) {
	opts := &glab.ListProjectIssuesOptions{
		State:        glab.Ptr("opened"),
		CreatedAfter: &createdAfter,
		ListOptions:  glab.ListOptions{Page: 1, PerPage: perPage},
	}
	return c.listIssues(ctx, project, opts)
}

// ListIssuesByLabel returns up to limit recently updated issues carrying
// the given label, used for sampling triage exemplars.
func (c *Client) ListIssuesByLabel(ctx context.Context, project, label string, limit int) ([]models.Issue, error) {
	if limit < 1 || limit > perPage {
		limit = perPage
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	labels := glab.LabelOptions{label}
	opts := &glab.ListProjectIssuesOptions{
		Labels:      &labels,
		OrderBy:     glab.Ptr("updated_at"),
		Sort:        glab.Ptr("desc"),
		ListOptions: glab.ListOptions{Page: 1, PerPage: int64(limit)},
	}
	apiIssues, _, err := c.api.Issues.ListProjectIssues(project, opts, glab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("listing issues by label %q in %s: %w", label, project, err)
	}
	issues := make([]models.Issue, 0, len(apiIssues))
	for _, i := range apiIssues {
		issues = append(issues, issueFromAPI(i))
	}
	return issues, nil
}

func (c *Client) listIssues(ctx context.Context, project string, opts *glab.ListProjectIssuesOptions) ([]models.Issue, error) {
	var issues []models.Issue
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		apiIssues, resp, err := c.api.Issues.ListProjectIssues(project, opts, glab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing issues in %s: %w", project, err)
		}
		for _, i := range apiIssues {
			issues = append(issues, issueFromAPI(i))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return issues, nil
}

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, project string, iid int64) (*models.Issue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	i, _, err := c.api.Issues.GetIssue(project, iid, glab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching issue %s#%d: %w", project, iid, err)
	}
	issue := issueFromAPI(i)
	return &issue, nil
}

// ListIssueNotes returns all notes on an issue, oldest first.
func (c *Client) ListIssueNotes(ctx context.Context, project string, iid int64) ([]models.Note, error) {
	var notes []models.Note
	opts := &glab.ListIssueNotesOptions{
		OrderBy:     glab.Ptr("created_at"),
		Sort:        glab.Ptr("asc"),
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		apiNotes, resp, err := c.api.Notes.ListIssueNotes(project, iid, opts, glab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing notes on issue %s#%d: %w", project, iid, err)
		}
		for _, n := range apiNotes {
			notes = append(notes, noteFromAPI(n))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return notes, nil
}

// ListMergeRequests returns open merge requests updated after since.
func (c *Client) ListMergeRequests(ctx context.Context, project string, since time.Time) ([]models.MergeRequest, error) {
	var mrs []models.MergeRequest
	opts := &glab.ListProjectMergeRequestsOptions{
		State:       glab.Ptr("opened"),
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}
	if !since.IsZero() {
		opts.UpdatedAfter = &since
	}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		apiMRs, resp, err := c.api.MergeRequests.ListProjectMergeRequests(project, opts, glab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing merge requests in %s: %w", project, err)
		}
		for _, mr := range apiMRs {
			mrs = append(mrs, mergeRequestFromAPI(mr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return mrs, nil
}

// GetMergeRequest fetches a single merge request.
func (c *Client) GetMergeRequest(ctx context.Context, project string, iid int64) (*models.MergeRequest, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	mr, _, err := c.api.MergeRequests.GetMergeRequest(project, iid, &glab.GetMergeRequestsOptions{}, glab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching merge request %s!%d: %w", project, iid, err)
	}
	return &models.MergeRequest{
		ProjectID:    int64(mr.ProjectID),
		IID:          int64(mr.IID),
		Title:        mr.Title,
		Description:  mr.Description,
		Author:       basicUserName(mr.Author),
		State:        mr.State,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		CreatedAt:    derefTime(mr.CreatedAt),
		UpdatedAt:    derefTime(mr.UpdatedAt),
	}, nil
}

// ListMergeRequestNotes returns all notes on a merge request, oldest
// first.
func (c *Client) ListMergeRequestNotes(ctx context.Context, project string, iid int64) ([]models.Note, error) {
	var notes []models.Note
	opts := &glab.ListMergeRequestNotesOptions{
		OrderBy:     glab.Ptr("created_at"),
		Sort:        glab.Ptr("asc"),
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		apiNotes, resp, err := c.api.Notes.ListMergeRequestNotes(project, iid, opts, glab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing notes on merge request %s!%d: %w", project, iid, err)
		}
		for _, n := range apiNotes {
			notes = append(notes, noteFromAPI(n))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return notes, nil
}

// PostIssueNote posts a comment on an issue.
func (c *Client) PostIssueNote(ctx context.Context, project string, iid int64, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.api.Notes.CreateIssueNote(project, iid, &glab.CreateIssueNoteOptions{
		Body: glab.Ptr(body),
	}, glab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("posting note on issue %s#%d: %w", project, iid, err)
	}
	return nil
}

// PostMergeRequestNote posts a comment on a merge request.
func (c *Client) PostMergeRequestNote(ctx context.Context, project string, iid int64, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.api.Notes.CreateMergeRequestNote(project, iid, &glab.CreateMergeRequestNoteOptions{
		Body: glab.Ptr(body),
	}, glab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("posting note on merge request %s!%d: %w", project, iid, err)
	}
	return nil
}

// AddIssueLabels adds labels to an issue, leaving existing labels alone.
func (c *Client) AddIssueLabels(ctx context.Context, project string, iid int64, labels []string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	add := glab.LabelOptions(labels)
	_, _, err := c.api.Issues.UpdateIssue(project, iid, &glab.UpdateIssueOptions{
		AddLabels: &add,
	}, glab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("adding labels to issue %s#%d: %w", project, iid, err)
	}
	return nil
}

// RemoveIssueLabels removes labels from an issue.
func (c *Client) RemoveIssueLabels(ctx context.Context, project string, iid int64, labels []string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	remove := glab.LabelOptions(labels)
	_, _, err := c.api.Issues.UpdateIssue(project, iid, &glab.UpdateIssueOptions{
		RemoveLabels: &remove,
	}, glab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("removing labels from issue %s#%d: %w", project, iid, err)
	}
	return nil
}

// ListLabels returns the project's label definitions.
func (c *Client) ListLabels(ctx context.Context, project string) ([]models.Label, error) {
	var labels []models.Label
	opts := &glab.ListLabelsOptions{
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		apiLabels, resp, err := c.api.Labels.ListLabels(project, opts, glab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing labels in %s: %w", project, err)
		}
		for _, l := range apiLabels {
			labels = append(labels, models.Label{Name: l.Name, Description: l.Description})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return labels, nil
}

// SearchCode runs a blob search in the project.
func (c *Client) SearchCode(ctx context.Context, project, query string) ([]models.SearchMatch, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	blobs, _, err := c.api.Search.BlobsByProject(project, query, &glab.SearchOptions{
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}, glab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("searching %s for %q: %w", project, query, err)
	}
	matches := make([]models.SearchMatch, 0, len(blobs))
	for _, b := range blobs {
		path := b.Path
		if path == "" {
			path = b.Filename
		}
		matches = append(matches, models.SearchMatch{
			Path:      path,
			StartLine: int(b.Startline),
			Fragment:  b.Data,
		})
	}
	return matches, nil
}

// GetFileContent fetches a file's raw content at the given ref.
func (c *Client) GetFileContent(ctx context.Context, project, filePath, ref string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	opts := &glab.GetRawFileOptions{}
	if ref != "" {
		opts.Ref = glab.Ptr(ref)
	}
	data, _, err := c.api.RepositoryFiles.GetRawFile(project, filePath, opts, glab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetching %s from %s: %w", filePath, project, err)
	}
	return string(data), nil
}

// ListBranches returns the project's branch names.
func (c *Client) ListBranches(ctx context.Context, project string) ([]string, error) {
	var branches []string
	opts := &glab.ListBranchesOptions{
		ListOptions: glab.ListOptions{Page: 1, PerPage: perPage},
	}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		apiBranches, resp, err := c.api.Branches.ListBranches(project, opts, glab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing branches in %s: %w", project, err)
		}
		for _, b := range apiBranches {
			branches = append(branches, b.Name)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return branches, nil
}

func issueFromAPI(i *glab.Issue) models.Issue {
	var author string
	if i.Author != nil {
		author = i.Author.Username
	}
	return models.Issue{
		ProjectID:   int64(i.ProjectID),
		IID:         int64(i.IID),
		Title:       i.Title,
		Description: i.Description,
		Author:      author,
		State:       i.State,
		Labels:      append([]string(nil), i.Labels...),
		CreatedAt:   derefTime(i.CreatedAt),
		UpdatedAt:   derefTime(i.UpdatedAt),
	}
}

func noteFromAPI(n *glab.Note) models.Note {
	return models.Note{
		ID:        int64(n.ID),
		Body:      n.Body,
		Author:    n.Author.Username,
		System:    n.System,
		CreatedAt: derefTime(n.CreatedAt),
		UpdatedAt: derefTime(n.UpdatedAt),
	}
}

func mergeRequestFromAPI(mr *glab.BasicMergeRequest) models.MergeRequest {
	return models.MergeRequest{
		ProjectID:    int64(mr.ProjectID),
		IID:          int64(mr.IID),
		Title:        mr.Title,
		Description:  mr.Description,
		Author:       basicUserName(mr.Author),
		State:        mr.State,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		CreatedAt:    derefTime(mr.CreatedAt),
		UpdatedAt:    derefTime(mr.UpdatedAt),
	}
}

func basicUserName(u *glab.BasicUser) string {
	if u == nil {
		return ""
	}
	return u.Username
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
