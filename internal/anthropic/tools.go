package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicAPI "github.com/anthropics/anthropic-sdk-go"

	"github.com/hellausefulsoftware/glbot/internal/models"
)

const (
	// maxToolArgChars bounds any single string argument the model supplies
	maxToolArgChars = 2000
	// maxToolResultChars bounds what one tool result feeds back into the conversation
	maxToolResultChars = 5000
)

// HostReader is the read-only view of the code host exposed to the model
// as follow-up tools.
type HostReader interface {
	SearchCode(ctx context.Context, project, query string) ([]models.SearchMatch, error)
	GetFileContent(ctx context.Context, project, filePath, ref string) (string, error)
	GetIssue(ctx context.Context, project string, iid int64) (*models.Issue, error)
	GetMergeRequest(ctx context.Context, project string, iid int64) (*models.MergeRequest, error)
	ListIssueNotes(ctx context.Context, project string, iid int64) ([]models.Note, error)
	ListBranches(ctx context.Context, project string) ([]string, error)
	GetProject(ctx context.Context, path string) (*models.Project, error)
}

// ToolRegistry defines the follow-up tools offered to the model and
// executes the calls it makes. Stateless; the per-engagement budget is
// enforced by the caller.
type ToolRegistry struct {
	host       HostReader
	defaultRef string
}

// NewToolRegistry creates a registry backed by the given host client.
func NewToolRegistry(host HostReader, defaultRef string) *ToolRegistry {
	return &ToolRegistry{host: host, defaultRef: defaultRef}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// Definitions returns the tool declarations sent with each request.
func (r *ToolRegistry) Definitions() []anthropicAPI.ToolParam {
	return []anthropicAPI.ToolParam{
		{
			Name:        anthropicAPI.F("search_code"),
			Description: anthropicAPI.F("Search the project's code for a keyword. Returns matching file paths with fragments."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path", "query"}, map[string]any{
				"project_path": strProp("Project path, e.g. group/project"),
				"query":        strProp("Search term"),
			})),
		},
		{
			Name:        anthropicAPI.F("get_file_content"),
			Description: anthropicAPI.F("Fetch a file's content from the project at the default branch."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path", "file_path"}, map[string]any{
				"project_path": strProp("Project path"),
				"file_path":    strProp("File path within the repository"),
				"ref":          strProp("Optional branch or tag; defaults to the configured branch"),
			})),
		},
		{
			Name:        anthropicAPI.F("get_issue_details"),
			Description: anthropicAPI.F("Fetch an issue's title, description, state and labels."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path", "issue_iid"}, map[string]any{
				"project_path": strProp("Project path"),
				"issue_iid":    intProp("Issue IID"),
			})),
		},
		{
			Name:        anthropicAPI.F("get_merge_request_details"),
			Description: anthropicAPI.F("Fetch a merge request's title, description, branches and state."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path", "mr_iid"}, map[string]any{
				"project_path": strProp("Project path"),
				"mr_iid":       intProp("Merge request IID"),
			})),
		},
		{
			Name:        anthropicAPI.F("get_issue_notes"),
			Description: anthropicAPI.F("Fetch the discussion notes on an issue, oldest first."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path", "issue_iid"}, map[string]any{
				"project_path": strProp("Project path"),
				"issue_iid":    intProp("Issue IID"),
			})),
		},
		{
			Name:        anthropicAPI.F("list_branches"),
			Description: anthropicAPI.F("List the project's branch names."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path"}, map[string]any{
				"project_path": strProp("Project path"),
			})),
		},
		{
			Name:        anthropicAPI.F("get_project_by_path"),
			Description: anthropicAPI.F("Fetch project metadata: id, path, default branch."),
			InputSchema: anthropicAPI.F[interface{}](objectSchema([]string{"project_path"}, map[string]any{
				"project_path": strProp("Project path"),
			})),
		},
	}
}

type toolArgs struct {
	ProjectPath string `json:"project_path"`
	Query       string `json:"query"`
	FilePath    string `json:"file_path"`
	Ref         string `json:"ref"`
	IssueIID    int64  `json:"issue_iid"`
	MRIID       int64  `json:"mr_iid"`
}

func (a *toolArgs) validate() error {
	for name, v := range map[string]string{
		"project_path": a.ProjectPath,
		"query":        a.Query,
		"file_path":    a.FilePath,
		"ref":          a.Ref,
	} {
		if len(v) > maxToolArgChars {
			return fmt.Errorf("argument %s exceeds %d characters", name, maxToolArgChars)
		}
	}
	if a.ProjectPath == "" {
		return fmt.Errorf("project_path is required")
	}
	return nil
}

// Execute runs one tool call and returns its textual result, truncated
// to the result cap. Errors are returned to the caller, which reports
// them to the model as error results rather than aborting the loop.
func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	var args toolArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid tool arguments: %w", err)
	}
	if err := args.validate(); err != nil {
		return "", err
	}

	var result string
	var err error
	switch name {
	case "search_code":
		result, err = r.searchCode(ctx, args)
	case "get_file_content":
		result, err = r.getFileContent(ctx, args)
	case "get_issue_details":
		result, err = r.getIssueDetails(ctx, args)
	case "get_merge_request_details":
		result, err = r.getMergeRequestDetails(ctx, args)
	case "get_issue_notes":
		result, err = r.getIssueNotes(ctx, args)
	case "list_branches":
		result, err = r.listBranches(ctx, args)
	case "get_project_by_path":
		result, err = r.getProject(ctx, args)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if err != nil {
		return "", err
	}
	return truncateResult(result), nil
}

func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return s[:maxToolResultChars] + "\n[truncated]"
}

func (r *ToolRegistry) searchCode(ctx context.Context, args toolArgs) (string, error) {
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	matches, err := r.host.SearchCode(ctx, args.ProjectPath, args.Query)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s:%d\n%s\n\n", m.Path, m.StartLine, m.Fragment)
	}
	return sb.String(), nil
}

func (r *ToolRegistry) getFileContent(ctx context.Context, args toolArgs) (string, error) {
	if args.FilePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	ref := args.Ref
	if ref == "" {
		ref = r.defaultRef
	}
	return r.host.GetFileContent(ctx, args.ProjectPath, args.FilePath, ref)
}

func (r *ToolRegistry) getIssueDetails(ctx context.Context, args toolArgs) (string, error) {
	if args.IssueIID == 0 {
		return "", fmt.Errorf("issue_iid is required")
	}
	issue, err := r.host.GetIssue(ctx, args.ProjectPath, args.IssueIID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Issue #%d: %s\nState: %s\nLabels: %s\nAuthor: %s\n\n%s",
		issue.IID, issue.Title, issue.State, strings.Join(issue.Labels, ", "), issue.Author, issue.Description), nil
}

func (r *ToolRegistry) getMergeRequestDetails(ctx context.Context, args toolArgs) (string, error) {
	if args.MRIID == 0 {
		return "", fmt.Errorf("mr_iid is required")
	}
	mr, err := r.host.GetMergeRequest(ctx, args.ProjectPath, args.MRIID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Merge request !%d: %s\nState: %s\nBranches: %s -> %s\nAuthor: %s\n\n%s",
		mr.IID, mr.Title, mr.State, mr.SourceBranch, mr.TargetBranch, mr.Author, mr.Description), nil
}

func (r *ToolRegistry) getIssueNotes(ctx context.Context, args toolArgs) (string, error) {
	if args.IssueIID == 0 {
		return "", fmt.Errorf("issue_iid is required")
	}
	notes, err := r.host.ListIssueNotes(ctx, args.ProjectPath, args.IssueIID)
	if err != nil {
		return "", err
	}
	if len(notes) == 0 {
		return "no notes", nil
	}
	var sb strings.Builder
	for _, n := range notes {
		if n.System {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", n.Author, n.Body)
	}
	return sb.String(), nil
}

func (r *ToolRegistry) listBranches(ctx context.Context, args toolArgs) (string, error) {
	branches, err := r.host.ListBranches(ctx, args.ProjectPath)
	if err != nil {
		return "", err
	}
	return strings.Join(branches, "\n"), nil
}

func (r *ToolRegistry) getProject(ctx context.Context, args toolArgs) (string, error) {
	p, err := r.host.GetProject(ctx, args.ProjectPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Project %s (id %d), default branch %s", p.Path, p.ID, p.DefaultBranch), nil
}
