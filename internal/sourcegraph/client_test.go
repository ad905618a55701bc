// ABOUTME: Tests for the GraphQL client: headers, retry, error mapping, and typed operations
// ABOUTME: Uses httptest.NewServer with canned GraphQL responses keyed by operation name

package sourcegraph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// gqlServer answers each operation (the URL query string) with a canned
// data payload and records the decoded variables.
func gqlServer(t *testing.T, responses map[string]string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastVars atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != graphQLPath {
			t.Errorf("path = %q; want %q", r.URL.Path, graphQLPath)
		}
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Variables != nil {
			lastVars.Store(req.Variables)
		}
		data, ok := responses[r.URL.RawQuery]
		if !ok {
			http.Error(w, "unknown operation "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":`+data+`}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &lastVars
}

func newTestClient(url string) *Client {
	c := NewClient(StaticCredentials{URL: url + "/", Token: "sgp_test"}, Options{})
	c.backoff = func(int) time.Duration { return 0 }
	return c
}

func TestQueryHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token sgp_test" {
			t.Errorf("Authorization = %q; want %q", got, "token sgp_test")
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("X-Custom = %q; want yes", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		if r.URL.RawQuery != "SiteVersion" {
			t.Errorf("operation = %q; want SiteVersion", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"data":{"site":{"productVersion":"5.1.0"}}}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(StaticCredentials{URL: srv.URL, Token: "sgp_test"}, Options{Headers: map[string]string{"X-Custom": "yes"}})
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "5.1.0" {
		t.Errorf("Version = %q; want 5.1.0", v)
	}
}

func TestQueryNoTokenOmitsAuthorization(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q; want none", got)
		}
		_, _ = io.WriteString(w, `{"data":{"site":{"productVersion":"x"}}}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(StaticCredentials{URL: srv.URL}, Options{})
	if _, err := c.Version(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestQueryRetriesOn5xx(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"site":{"productVersion":"ok"}}}`)
	}))
	t.Cleanup(srv.Close)

	if _, err := newTestClient(srv.URL).Version(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d; want 3", got)
	}
}

func TestQueryRetriesExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestClient(srv.URL).Version(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("err = %v; want StatusError 429", err)
	}
	if got := attempts.Load(); got != maxRetries+1 {
		t.Errorf("attempts = %d; want %d", got, maxRetries+1)
	}
}

func TestQueryErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   "Invalid access token.",
			check:  func(err error) bool { return errors.Is(err, ErrUnauthorized) },
		},
		{
			name:   "graphql errors",
			status: http.StatusOK,
			body:   `{"data":null,"errors":[{"message":"repository not cloned"},{"message":"second"}]}`,
			check: func(err error) bool {
				var ge *GraphQLError
				return errors.As(err, &ge) && len(ge.Messages) == 2 && ge.Messages[0] == "repository not cloned"
			},
		},
		{
			name:   "bad json",
			status: http.StatusOK,
			body:   `<html>`,
			check:  func(err error) bool { return err != nil && strings.Contains(err.Error(), "decoding") },
		},
		{
			name:   "null data",
			status: http.StatusOK,
			body:   `{"data":null}`,
			check:  func(err error) bool { return err != nil && strings.Contains(err.Error(), "empty data") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			_, err := newTestClient(srv.URL).Version(context.Background())
			if !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestQueryContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(StaticCredentials{URL: srv.URL}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Version(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v; want DeadlineExceeded", err)
	}
}

const testOID = "0123456789abcdef0123456789abcdef01234567"

func TestResolveRevision(t *testing.T) {
	t.Parallel()

	srv, vars := gqlServer(t, map[string]string{
		"ResolveRevision": `{"repository":{"commit":{"oid":"` + testOID + `"}}}`,
	})
	oid, err := newTestClient(srv.URL).ResolveRevision(context.Background(), "github.com/neovim/neovim", "master")
	if err != nil {
		t.Fatal(err)
	}
	if oid != testOID {
		t.Errorf("oid = %q", oid)
	}
	got := vars.Load().(map[string]any)
	if got["name"] != "github.com/neovim/neovim" || got["rev"] != "master" {
		t.Errorf("variables = %v", got)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := gqlServer(t, map[string]string{
		"ResolveRevision": `{"repository":null}`,
		"PathInfo":        `{"repository":{"name":"r","commit":{"oid":"x","abbreviatedOID":"x","path":null}}}`,
		"FileContents":    `{"repository":{"commit":{"blob":null}}}`,
		"RepositoryID":    `{"repository":null}`,
		"Hover":           `{"repository":{"commit":{"blob":{"lsif":null}}}}`,
	})
	c := newTestClient(srv.URL)
	ctx := context.Background()

	if _, err := c.ResolveRevision(ctx, "r", "main"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveRevision err = %v; want ErrNotFound", err)
	}
	if _, err := c.PathInfo(ctx, "r", "x", "missing.go"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PathInfo err = %v; want ErrNotFound", err)
	}
	if _, err := c.FileContents(ctx, "r", "x", "missing.go"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FileContents err = %v; want ErrNotFound", err)
	}
	if _, err := c.RepositoryID(ctx, "r"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RepositoryID err = %v; want ErrNotFound", err)
	}
	_, err := c.Hover(ctx, CodeIntelParams{Remote: "r", Commit: "x", Path: "a.go"})
	if !errors.Is(err, ErrNoCodeIntel) || !errors.Is(err, ErrNotFound) {
		t.Errorf("Hover err = %v; want ErrNoCodeIntel", err)
	}
}

func TestPathInfoAndListFiles(t *testing.T) {
	t.Parallel()

	srv, _ := gqlServer(t, map[string]string{
		"PathInfo": `{"repository":{"name":"github.com/neovim/neovim","commit":{"oid":"` + testOID + `","abbreviatedOID":"0123456",
			"path":{"path":"src/nvim","isDirectory":true}}}}`,
		"ListFiles": `{"repository":{"name":"github.com/neovim/neovim","commit":{"oid":"` + testOID + `","abbreviatedOID":"0123456",
			"tree":{"entries":[{"path":"src/nvim/api","isDirectory":true},{"path":"src/nvim/main.c","isDirectory":false}]}}}}`,
	})
	c := newTestClient(srv.URL)

	info, err := c.PathInfo(context.Background(), "github.com/neovim/neovim", testOID, "src/nvim")
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDirectory || info.Abbreviated != "0123456" || info.Commit != testOID {
		t.Errorf("PathInfo = %+v", info)
	}

	entries, err := c.ListFiles(context.Background(), "github.com/neovim/neovim", testOID, "src/nvim")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || !entries[0].IsDirectory || entries[1].Path != "src/nvim/main.c" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestSearchFlattensMatches(t *testing.T) {
	t.Parallel()

	srv, _ := gqlServer(t, map[string]string{
		"Search": `{"search":{"results":{"results":[
			{"__typename":"Repository"},
			{"__typename":"FileMatch","repository":{"name":"r"},"file":{"path":"a.go"},
			 "lineMatches":[{"preview":"func main()","lineNumber":3}],
			 "symbols":[{"name":"main","location":{"range":{"start":{"line":3}}}},{"name":"nope","location":{"range":null}}]}
		]}}}`,
	})
	results, err := newTestClient(srv.URL).Search(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	want := []SearchResult{
		{Remote: "r", Path: "a.go", Preview: "func main()", Line: 3},
		{Remote: "r", Path: "a.go", Preview: "main", Line: 3},
	}
	if len(results) != len(want) {
		t.Fatalf("results = %+v", results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %+v; want %+v", i, results[i], want[i])
		}
	}
}

func TestCodeIntel(t *testing.T) {
	t.Parallel()

	node := `{"resource":{"path":"b.go","repository":{"name":"r"},"commit":{"oid":"` + testOID + `"}},"range":{"start":{"line":9,"character":4}}}`
	srv, vars := gqlServer(t, map[string]string{
		"Hover":      `{"repository":{"commit":{"blob":{"lsif":{"hover":{"markdown":{"text":"func Foo()"}}}}}}}`,
		"Definition": `{"repository":{"commit":{"blob":{"lsif":{"definitions":{"nodes":[` + node + `]}}}}}}`,
		"References": `{"repository":{"commit":{"blob":{"lsif":{"references":{"nodes":[` + node + `,` + node + `]}}}}}}`,
	})
	c := newTestClient(srv.URL)
	ctx := context.Background()
	p := CodeIntelParams{Remote: "r", Commit: testOID, Path: "a.go", Line: 1, Character: 2}

	hover, err := c.Hover(ctx, p)
	if err != nil || hover != "func Foo()" {
		t.Errorf("Hover = %q, %v", hover, err)
	}
	if got := vars.Load().(map[string]any); got["line"] != float64(1) || got["character"] != float64(2) {
		t.Errorf("variables = %v", got)
	}

	defs, err := c.Definitions(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	want := Location{Remote: "r", Commit: testOID, Path: "b.go", Line: 9, Character: 4}
	if len(defs) != 1 || defs[0] != want {
		t.Errorf("Definitions = %+v", defs)
	}

	refs, err := c.References(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Errorf("References = %+v", refs)
	}
}

func TestCurrentUser(t *testing.T) {
	t.Parallel()

	t.Run("authenticated", func(t *testing.T) {
		t.Parallel()
		srv, _ := gqlServer(t, map[string]string{
			"CurrentUser": `{"currentUser":{"id":"VXNlcjox","username":"alice"}}`,
		})
		u, err := newTestClient(srv.URL).CurrentUser(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if u.Username != "alice" || u.CodeLimit != nil {
			t.Errorf("User = %+v", u)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		t.Parallel()
		srv, _ := gqlServer(t, map[string]string{"CurrentUser": `{"currentUser":null}`})
		_, err := newTestClient(srv.URL).CurrentUser(context.Background())
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v; want ErrUnauthorized", err)
		}
	})
}

func TestCodyOperations(t *testing.T) {
	t.Parallel()

	srv, vars := gqlServer(t, map[string]string{
		"RepositoryID": `{"repository":{"id":"UmVwbzox"}}`,
		"EmbeddingsContext": `{"embeddingsSearch":{
			"codeResults":[{"repoName":"r","fileName":"a.go","startLine":1,"endLine":5,"content":"package a"}],
			"textResults":[{"repoName":"r","fileName":"README.md","startLine":0,"endLine":2,"content":"# r"}]}}`,
		"Completions": `{"completions":"Hello there"}`,
	})
	c := newTestClient(srv.URL)
	ctx := context.Background()

	id, err := c.RepositoryID(ctx, "r")
	if err != nil || id != "UmVwbzox" {
		t.Fatalf("RepositoryID = %q, %v", id, err)
	}

	embs, err := c.Embeddings(ctx, id, "what is a", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(embs) != 2 || embs[0].Type != EmbeddingCode || embs[1].Type != EmbeddingText || embs[1].Path != "README.md" {
		t.Errorf("Embeddings = %+v", embs)
	}

	text, err := c.Complete(ctx, []CompletionMessage{{Speaker: "human", Text: "hi"}, {Speaker: "assistant"}}, nil)
	if err != nil || text != "Hello there" {
		t.Fatalf("Complete = %q, %v", text, err)
	}
	got := vars.Load().(map[string]any)
	if got["temperature"] != DefaultTemperature || got["maxTokensToSample"] != float64(DefaultMaxTokens) {
		t.Errorf("completion variables = %v", got)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["speaker"] != "HUMAN" {
		t.Errorf("messages = %v", got["messages"])
	}
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	c := StaticCredentials{URL: "https://sourcegraph.example.com/"}
	if got := c.Endpoint(); got != "https://sourcegraph.example.com" {
		t.Errorf("Endpoint() = %q", got)
	}
	if _, ok := c.AccessToken(); ok {
		t.Error("AccessToken() ok with empty token")
	}
}
