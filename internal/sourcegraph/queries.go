// ABOUTME: Typed GraphQL operations: revisions, paths, file contents, search, code intel, users, Cody
// ABOUTME: Each function owns its query text and maps the response onto plain Go types

package sourcegraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/mauromedda/sg-nvim-go/internal/uri"
)

// ErrNoCodeIntel is returned by Hover, Definitions, and References when the
// file has no precise code intelligence.
var ErrNoCodeIntel = fmt.Errorf("%w: no code intelligence for file", ErrNotFound)

const resolveRevisionQuery = `query ResolveRevision($name: String!, $rev: String!) {
  repository(name: $name) {
    commit(rev: $rev) { oid }
  }
}`

// ResolveRevision returns the full commit hash for a revision.
func (c *Client) ResolveRevision(ctx context.Context, remote, revision string) (string, error) {
	var data struct {
		Repository *struct {
			Commit *struct {
				OID string `json:"oid"`
			} `json:"commit"`
		} `json:"repository"`
	}
	err := c.Query(ctx, "ResolveRevision", resolveRevisionQuery,
		map[string]any{"name": remote, "rev": revision}, &data)
	if err != nil {
		return "", err
	}
	if data.Repository == nil {
		return "", fmt.Errorf("%w: repository %s", ErrNotFound, remote)
	}
	if data.Repository.Commit == nil {
		return "", fmt.Errorf("%w: revision %s in %s", ErrNotFound, revision, remote)
	}
	return data.Repository.Commit.OID, nil
}

const pathInfoQuery = `query PathInfo($name: String!, $rev: String!, $path: String!) {
  repository(name: $name) {
    name
    commit(rev: $rev) {
      oid
      abbreviatedOID
      path(path: $path) {
        ... on GitTree { path isDirectory }
        ... on GitBlob { path isDirectory }
      }
    }
  }
}`

type commitRef struct {
	OID            string `json:"oid"`
	AbbreviatedOID string `json:"abbreviatedOID"`
}

// PathInfo reports whether path is a file or directory at commit.
func (c *Client) PathInfo(ctx context.Context, remote, commit, path string) (uri.PathInfo, error) {
	var data struct {
		Repository *struct {
			Name   string `json:"name"`
			Commit *struct {
				commitRef
				Path *struct {
					Path        string `json:"path"`
					IsDirectory bool   `json:"isDirectory"`
				} `json:"path"`
			} `json:"commit"`
		} `json:"repository"`
	}
	err := c.Query(ctx, "PathInfo", pathInfoQuery,
		map[string]any{"name": remote, "rev": commit, "path": path}, &data)
	if err != nil {
		return uri.PathInfo{}, err
	}
	switch {
	case data.Repository == nil:
		return uri.PathInfo{}, fmt.Errorf("%w: repository %s", ErrNotFound, remote)
	case data.Repository.Commit == nil:
		return uri.PathInfo{}, fmt.Errorf("%w: commit %s in %s", ErrNotFound, commit, remote)
	case data.Repository.Commit.Path == nil:
		return uri.PathInfo{}, fmt.Errorf("%w: path %s in %s@%s", ErrNotFound, path, remote, commit)
	}
	cm := data.Repository.Commit
	return uri.PathInfo{
		Remote:      data.Repository.Name,
		Commit:      cm.OID,
		Abbreviated: cm.AbbreviatedOID,
		Path:        cm.Path.Path,
		IsDirectory: cm.Path.IsDirectory,
	}, nil
}

const fileContentsQuery = `query FileContents($name: String!, $rev: String!, $path: String!) {
  repository(name: $name) {
    commit(rev: $rev) {
      blob(path: $path) { content }
    }
  }
}`

// FileContents returns the text of a file at commit.
func (c *Client) FileContents(ctx context.Context, remote, commit, path string) (string, error) {
	var data struct {
		Repository *struct {
			Commit *struct {
				Blob *struct {
					Content string `json:"content"`
				} `json:"blob"`
			} `json:"commit"`
		} `json:"repository"`
	}
	err := c.Query(ctx, "FileContents", fileContentsQuery,
		map[string]any{"name": remote, "rev": commit, "path": path}, &data)
	if err != nil {
		return "", err
	}
	if data.Repository == nil || data.Repository.Commit == nil || data.Repository.Commit.Blob == nil {
		return "", fmt.Errorf("%w: file %s in %s@%s", ErrNotFound, path, remote, commit)
	}
	return data.Repository.Commit.Blob.Content, nil
}

const listFilesQuery = `query ListFiles($name: String!, $rev: String!, $path: String!) {
  repository(name: $name) {
    name
    commit(rev: $rev) {
      oid
      abbreviatedOID
      tree(path: $path) {
        entries(first: 10000) { path isDirectory }
      }
    }
  }
}`

// ListFiles returns the direct entries of the directory at path. An empty
// path lists the repository root.
func (c *Client) ListFiles(ctx context.Context, remote, commit, path string) ([]uri.PathInfo, error) {
	var data struct {
		Repository *struct {
			Name   string `json:"name"`
			Commit *struct {
				commitRef
				Tree *struct {
					Entries []struct {
						Path        string `json:"path"`
						IsDirectory bool   `json:"isDirectory"`
					} `json:"entries"`
				} `json:"tree"`
			} `json:"commit"`
		} `json:"repository"`
	}
	err := c.Query(ctx, "ListFiles", listFilesQuery,
		map[string]any{"name": remote, "rev": commit, "path": path}, &data)
	if err != nil {
		return nil, err
	}
	if data.Repository == nil || data.Repository.Commit == nil || data.Repository.Commit.Tree == nil {
		return nil, fmt.Errorf("%w: directory %s in %s@%s", ErrNotFound, path, remote, commit)
	}
	cm := data.Repository.Commit
	entries := make([]uri.PathInfo, 0, len(cm.Tree.Entries))
	for _, e := range cm.Tree.Entries {
		entries = append(entries, uri.PathInfo{
			Remote:      data.Repository.Name,
			Commit:      cm.OID,
			Abbreviated: cm.AbbreviatedOID,
			Path:        e.Path,
			IsDirectory: e.IsDirectory,
		})
	}
	return entries, nil
}

// SearchResult is one matching line or symbol.
type SearchResult struct {
	Remote  string `json:"repo"`
	Path    string `json:"file"`
	Preview string `json:"preview"`
	Line    int    `json:"line"`
}

const searchQuery = `query Search($query: String!) {
  search(query: $query) {
    results {
      results {
        __typename
        ... on FileMatch {
          repository { name }
          file { path }
          lineMatches { preview lineNumber }
          symbols { name location { range { start { line } } } }
        }
      }
    }
  }
}`

// Search runs a search query and flattens file matches into results.
// Commit and repository matches are skipped.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var data struct {
		Search *struct {
			Results struct {
				Results []struct {
					Typename   string `json:"__typename"`
					Repository struct {
						Name string `json:"name"`
					} `json:"repository"`
					File struct {
						Path string `json:"path"`
					} `json:"file"`
					LineMatches []struct {
						Preview    string `json:"preview"`
						LineNumber int    `json:"lineNumber"`
					} `json:"lineMatches"`
					Symbols []struct {
						Name     string `json:"name"`
						Location struct {
							Range *lspRange `json:"range"`
						} `json:"location"`
					} `json:"symbols"`
				} `json:"results"`
			} `json:"results"`
		} `json:"search"`
	}
	if err := c.Query(ctx, "Search", searchQuery, map[string]any{"query": query}, &data); err != nil {
		return nil, err
	}
	if data.Search == nil {
		return nil, nil
	}
	var out []SearchResult
	for _, r := range data.Search.Results.Results {
		if r.Typename != "FileMatch" {
			continue
		}
		for _, lm := range r.LineMatches {
			out = append(out, SearchResult{Remote: r.Repository.Name, Path: r.File.Path, Preview: lm.Preview, Line: lm.LineNumber})
		}
		for _, s := range r.Symbols {
			if s.Location.Range == nil {
				continue
			}
			out = append(out, SearchResult{Remote: r.Repository.Name, Path: r.File.Path, Preview: s.Name, Line: s.Location.Range.Start.Line})
		}
	}
	return out, nil
}

type lspRange struct {
	Start struct {
		Line      int `json:"line"`
		Character int `json:"character"`
	} `json:"start"`
}

// Location is a code intelligence result. Line and Character are zero based.
type Location struct {
	Remote    string `json:"remote"`
	Commit    string `json:"commit"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

// CodeIntelParams identifies a position in a file at a commit.
type CodeIntelParams struct {
	Remote    string
	Commit    string
	Path      string
	Line      int
	Character int
}

func (p CodeIntelParams) vars() map[string]any {
	return map[string]any{
		"name":      p.Remote,
		"rev":       p.Commit,
		"path":      p.Path,
		"line":      p.Line,
		"character": p.Character,
	}
}

// lsifQuery wraps an lsif selection in the repository/commit/blob path.
func lsifQuery(name, selection string) string {
	return `query ` + name + `($name: String!, $rev: String!, $path: String!, $line: Int!, $character: Int!) {
  repository(name: $name) {
    commit(rev: $rev) {
      blob(path: $path) {
        lsif { ` + selection + ` }
      }
    }
  }
}`
}

var (
	hoverQuery = lsifQuery("Hover", `hover(line: $line, character: $character) { markdown { text } }`)

	locationSelection = `nodes {
          resource { path repository { name } commit { oid } }
          range { start { line character } }
        }`
	definitionQuery = lsifQuery("Definition", `definitions(line: $line, character: $character) { `+locationSelection+` }`)
	referencesQuery = lsifQuery("References", `references(line: $line, character: $character, first: 100) { `+locationSelection+` }`)
)

type lsifData[T any] struct {
	Repository *struct {
		Commit *struct {
			Blob *struct {
				LSIF *T `json:"lsif"`
			} `json:"blob"`
		} `json:"commit"`
	} `json:"repository"`
}

func (d lsifData[T]) lsif(p CodeIntelParams) (*T, error) {
	if d.Repository == nil || d.Repository.Commit == nil || d.Repository.Commit.Blob == nil {
		return nil, fmt.Errorf("%w: file %s in %s@%s", ErrNotFound, p.Path, p.Remote, p.Commit)
	}
	if d.Repository.Commit.Blob.LSIF == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCodeIntel, p.Path)
	}
	return d.Repository.Commit.Blob.LSIF, nil
}

// Hover returns the markdown hover text at a position.
func (c *Client) Hover(ctx context.Context, p CodeIntelParams) (string, error) {
	var data lsifData[struct {
		Hover *struct {
			Markdown struct {
				Text string `json:"text"`
			} `json:"markdown"`
		} `json:"hover"`
	}]
	if err := c.Query(ctx, "Hover", hoverQuery, p.vars(), &data); err != nil {
		return "", err
	}
	lsif, err := data.lsif(p)
	if err != nil {
		return "", err
	}
	if lsif.Hover == nil {
		return "", nil
	}
	return lsif.Hover.Markdown.Text, nil
}

type locationConnection struct {
	Nodes []struct {
		Resource struct {
			Path       string `json:"path"`
			Repository struct {
				Name string `json:"name"`
			} `json:"repository"`
			Commit struct {
				OID string `json:"oid"`
			} `json:"commit"`
		} `json:"resource"`
		Range *lspRange `json:"range"`
	} `json:"nodes"`
}

func (lc locationConnection) locations() []Location {
	out := make([]Location, 0, len(lc.Nodes))
	for _, n := range lc.Nodes {
		loc := Location{
			Remote: n.Resource.Repository.Name,
			Commit: n.Resource.Commit.OID,
			Path:   n.Resource.Path,
		}
		if n.Range != nil {
			loc.Line = n.Range.Start.Line
			loc.Character = n.Range.Start.Character
		}
		out = append(out, loc)
	}
	return out
}

// Definitions returns the definition sites of the symbol at a position.
func (c *Client) Definitions(ctx context.Context, p CodeIntelParams) ([]Location, error) {
	var data lsifData[struct {
		Definitions locationConnection `json:"definitions"`
	}]
	if err := c.Query(ctx, "Definition", definitionQuery, p.vars(), &data); err != nil {
		return nil, err
	}
	lsif, err := data.lsif(p)
	if err != nil {
		return nil, err
	}
	return lsif.Definitions.locations(), nil
}

// References returns up to 100 references to the symbol at a position.
func (c *Client) References(ctx context.Context, p CodeIntelParams) ([]Location, error) {
	var data lsifData[struct {
		References locationConnection `json:"references"`
	}]
	if err := c.Query(ctx, "References", referencesQuery, p.vars(), &data); err != nil {
		return nil, err
	}
	lsif, err := data.lsif(p)
	if err != nil {
		return nil, err
	}
	return lsif.References.locations(), nil
}

const versionQuery = `query SiteVersion { site { productVersion } }`

// Version returns the instance's product version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var data struct {
		Site struct {
			ProductVersion string `json:"productVersion"`
		} `json:"site"`
	}
	if err := c.Query(ctx, "SiteVersion", versionQuery, nil, &data); err != nil {
		return "", err
	}
	return data.Site.ProductVersion, nil
}

// User is the authenticated user. Cody usage fields are only reported by
// sourcegraph.com.
type User struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	CodyProEnabled bool   `json:"cody_pro_enabled"`
	CodeUsage      *int   `json:"code_usage,omitempty"`
	CodeLimit      *int   `json:"code_limit,omitempty"`
	ChatUsage      *int   `json:"chat_usage,omitempty"`
	ChatLimit      *int   `json:"chat_limit,omitempty"`
}

const enterpriseUserQuery = `query CurrentUser { currentUser { id username } }`

const dotcomUserQuery = `query CurrentUser {
  currentUser {
    id
    username
    codyProEnabled
    codyCurrentPeriodCodeUsage
    codyCurrentPeriodCodeLimit
    codyCurrentPeriodChatUsage
    codyCurrentPeriodChatLimit
  }
}`

// CurrentUser returns the user the access token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	query := enterpriseUserQuery
	if c.Endpoint() == uri.DefaultEndpoint {
		query = dotcomUserQuery
	}
	var data struct {
		CurrentUser *struct {
			ID             string `json:"id"`
			Username       string `json:"username"`
			CodyProEnabled bool   `json:"codyProEnabled"`
			CodeUsage      *int   `json:"codyCurrentPeriodCodeUsage"`
			CodeLimit      *int   `json:"codyCurrentPeriodCodeLimit"`
			ChatUsage      *int   `json:"codyCurrentPeriodChatUsage"`
			ChatLimit      *int   `json:"codyCurrentPeriodChatLimit"`
		} `json:"currentUser"`
	}
	if err := c.Query(ctx, "CurrentUser", query, nil, &data); err != nil {
		return User{}, err
	}
	u := data.CurrentUser
	if u == nil {
		return User{}, fmt.Errorf("%w: no current user", ErrUnauthorized)
	}
	return User{
		ID:             u.ID,
		Username:       u.Username,
		CodyProEnabled: u.CodyProEnabled,
		CodeUsage:      u.CodeUsage,
		CodeLimit:      u.CodeLimit,
		ChatUsage:      u.ChatUsage,
		ChatLimit:      u.ChatLimit,
	}, nil
}

const repositoryIDQuery = `query RepositoryID($name: String!) { repository(name: $name) { id } }`

// RepositoryID returns the GraphQL id of a repository.
func (c *Client) RepositoryID(ctx context.Context, name string) (string, error) {
	var data struct {
		Repository *struct {
			ID string `json:"id"`
		} `json:"repository"`
	}
	if err := c.Query(ctx, "RepositoryID", repositoryIDQuery, map[string]any{"name": name}, &data); err != nil {
		return "", err
	}
	if data.Repository == nil {
		return "", fmt.Errorf("%w: repository %s", ErrNotFound, name)
	}
	return data.Repository.ID, nil
}

// Embedding kinds.
const (
	EmbeddingCode = "code"
	EmbeddingText = "text"
)

// Embedding is a snippet returned by an embeddings search.
type Embedding struct {
	Type    string `json:"type"`
	Remote  string `json:"repo"`
	Path    string `json:"file"`
	Start   int    `json:"start"`
	Finish  int    `json:"finish"`
	Content string `json:"content"`
}

const embeddingsQuery = `query EmbeddingsContext($repo: ID!, $query: String!, $code: Int!, $text: Int!) {
  embeddingsSearch(repo: $repo, query: $query, codeResultsCount: $code, textResultsCount: $text) {
    codeResults { repoName fileName startLine endLine content }
    textResults { repoName fileName startLine endLine content }
  }
}`

type embeddingResult struct {
	RepoName  string `json:"repoName"`
	FileName  string `json:"fileName"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Content   string `json:"content"`
}

// Embeddings searches the embeddings index of a repository. Code results
// come before text results.
func (c *Client) Embeddings(ctx context.Context, repoID, query string, codeCount, textCount int) ([]Embedding, error) {
	var data struct {
		EmbeddingsSearch struct {
			CodeResults []embeddingResult `json:"codeResults"`
			TextResults []embeddingResult `json:"textResults"`
		} `json:"embeddingsSearch"`
	}
	vars := map[string]any{"repo": repoID, "query": query, "code": codeCount, "text": textCount}
	if err := c.Query(ctx, "EmbeddingsContext", embeddingsQuery, vars, &data); err != nil {
		return nil, err
	}
	out := make([]Embedding, 0, len(data.EmbeddingsSearch.CodeResults)+len(data.EmbeddingsSearch.TextResults))
	add := func(kind string, rs []embeddingResult) {
		for _, r := range rs {
			out = append(out, Embedding{Type: kind, Remote: r.RepoName, Path: r.FileName, Start: r.StartLine, Finish: r.EndLine, Content: r.Content})
		}
	}
	add(EmbeddingCode, data.EmbeddingsSearch.CodeResults)
	add(EmbeddingText, data.EmbeddingsSearch.TextResults)
	return out, nil
}

// CompletionMessage is one turn of a completion prompt. Speaker is
// "human" or "assistant".
type CompletionMessage struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Completion defaults.
const (
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 1000
)

const completionsQuery = `query Completions($messages: [Message!]!, $temperature: Float!, $maxTokensToSample: Int!, $topK: Int!, $topP: Int!) {
  completions(input: {
    messages: $messages,
    temperature: $temperature,
    maxTokensToSample: $maxTokensToSample,
    topK: $topK,
    topP: $topP
  })
}`

// Complete asks the instance's LLM to continue the conversation. A nil
// temperature selects DefaultTemperature.
func (c *Client) Complete(ctx context.Context, messages []CompletionMessage, temperature *float64) (string, error) {
	temp := DefaultTemperature
	if temperature != nil {
		temp = *temperature
	}
	wire := make([]map[string]string, len(messages))
	for i, m := range messages {
		wire[i] = map[string]string{"speaker": strings.ToUpper(m.Speaker), "text": m.Text}
	}
	vars := map[string]any{
		"messages":          wire,
		"temperature":       temp,
		"maxTokensToSample": DefaultMaxTokens,
		"topK":              -1,
		"topP":              -1,
	}
	var data struct {
		Completions string `json:"completions"`
	}
	if err := c.Query(ctx, "Completions", completionsQuery, vars, &data); err != nil {
		return "", err
	}
	return data.Completions, nil
}
