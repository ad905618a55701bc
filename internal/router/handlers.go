// ABOUTME: Dependencies of the editor method handlers and their registration
// ABOUTME: Collaborators are small interfaces so tests can substitute fakes

package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mauromedda/sg-nvim-go/internal/agent"
	"github.com/mauromedda/sg-nvim-go/internal/auth"
	"github.com/mauromedda/sg-nvim-go/internal/sourcegraph"
	"github.com/mauromedda/sg-nvim-go/internal/uri"
)

// Editor request methods.
const (
	MethodEcho = "echo"

	MethodGetEntry             = "sourcegraph/get_entry"
	MethodGetRemoteFile        = "sourcegraph/get_remote_file"
	MethodGetFileContents      = "sourcegraph/get_file_contents"
	MethodGetDirectoryContents = "sourcegraph/get_directory_contents"
	MethodGetCommitHash        = "sourcegraph/get_commit_hash"
	MethodSearch               = "sourcegraph/search"
	MethodHover                = "sourcegraph/hover"
	MethodDefinition           = "sourcegraph/definition"
	MethodReferences           = "sourcegraph/references"
	MethodInfo                 = "sourcegraph/info"
	MethodUserInfo             = "sourcegraph/user_info"
	MethodDiff                 = "sourcegraph/diff"

	MethodRepository    = "cody/repository"
	MethodEmbedding     = "cody/embedding"
	MethodComplete      = "cody/complete"
	MethodListRecipes   = "cody/list_recipes"
	MethodExecuteRecipe = "cody/execute_recipe"

	MethodAuthGet       = "auth/get"
	MethodAuthSet       = "auth/set"
	MethodAuthStartFlow = "auth/start_flow"

	// NotificationCredentialsCaptured reports a finished browser sign-in.
	NotificationCredentialsCaptured = "auth/credentialsCaptured"
)

// Sourcegraph is the subset of the GraphQL client the handlers use.
// *sourcegraph.Client satisfies it.
type Sourcegraph interface {
	uri.PathInspector
	FileContents(ctx context.Context, remote, commit, path string) (string, error)
	ListFiles(ctx context.Context, remote, commit, path string) ([]uri.PathInfo, error)
	Search(ctx context.Context, query string) ([]sourcegraph.SearchResult, error)
	Hover(ctx context.Context, p sourcegraph.CodeIntelParams) (string, error)
	Definitions(ctx context.Context, p sourcegraph.CodeIntelParams) ([]sourcegraph.Location, error)
	References(ctx context.Context, p sourcegraph.CodeIntelParams) ([]sourcegraph.Location, error)
	Version(ctx context.Context) (string, error)
	CurrentUser(ctx context.Context) (sourcegraph.User, error)
	RepositoryID(ctx context.Context, name string) (string, error)
	Embeddings(ctx context.Context, repoID, query string, codeCount, textCount int) ([]sourcegraph.Embedding, error)
	Complete(ctx context.Context, messages []sourcegraph.CompletionMessage, temperature *float64) (string, error)
}

// Agent is the subset of the agent broker the cody handlers use.
// *agent.Broker satisfies it.
type Agent interface {
	ListRecipes(ctx context.Context) ([]agent.RecipeInfo, error)
	ExecuteRecipe(ctx context.Context, id, humanChatInput string) error
}

// Deps holds what the handlers call into. Agent may be nil when no agent
// binary is configured; StartFlow defaults to auth.StartFlow. A nil
// VerifyToken lets browser sign-ins store any token they receive.
type Deps struct {
	Resolver    *uri.Resolver
	Revisions   uri.RevisionResolver
	Sourcegraph Sourcegraph
	Agent       Agent
	Auth        auth.Store
	StartFlow   func(endpoint string, store auth.Store, verify auth.VerifyFunc) (*auth.Flow, error)
	VerifyToken auth.VerifyFunc

	// Notify sends a notification to the editor, normally Server.Notify.
	Notify func(method string, params any) error

	// FlowTimeout bounds how long a browser sign-in may take.
	FlowTimeout time.Duration
}

// DefaultFlowTimeout is used when Deps.FlowTimeout is zero.
const DefaultFlowTimeout = 10 * time.Minute

type fileKey struct {
	remote, commit, path string
}

// handlers carries Deps plus the file contents memo. Contents at a full
// commit hash never change, so entries are kept for the process lifetime.
type handlers struct {
	Deps

	mu    sync.Mutex
	files map[fileKey][]string
	// flow is the browser sign-in in progress, if any.
	flow *auth.Flow
}

// RegisterHandlers wires every editor method into r.
func RegisterHandlers(r *Router, d Deps) {
	if d.StartFlow == nil {
		d.StartFlow = auth.StartFlow
	}
	if d.FlowTimeout <= 0 {
		d.FlowTimeout = DefaultFlowTimeout
	}
	if d.Notify == nil {
		d.Notify = func(string, any) error { return nil }
	}
	h := &handlers{Deps: d, files: make(map[fileKey][]string)}

	r.Register(MethodEcho, h.echo)

	r.Register(MethodGetEntry, h.getEntry)
	r.Register(MethodGetRemoteFile, h.getRemoteFile)
	r.Register(MethodGetFileContents, h.getFileContents)
	r.Register(MethodGetDirectoryContents, h.getDirectoryContents)
	r.Register(MethodGetCommitHash, h.getCommitHash)
	r.Register(MethodSearch, h.search)
	r.Register(MethodHover, h.hover)
	r.Register(MethodDefinition, h.definition)
	r.Register(MethodReferences, h.references)
	r.Register(MethodInfo, h.info)
	r.Register(MethodUserInfo, h.userInfo)
	r.Register(MethodDiff, h.diffFile)

	r.Register(MethodRepository, h.repository)
	r.Register(MethodEmbedding, h.embedding)
	r.Register(MethodComplete, h.complete)
	r.Register(MethodListRecipes, h.listRecipes)
	r.Register(MethodExecuteRecipe, h.executeRecipe)

	r.Register(MethodAuthGet, h.authGet)
	r.Register(MethodAuthSet, h.authSet)
	r.Register(MethodAuthStartFlow, h.authStartFlow)
}

type echoParams struct {
	Message string `json:"message"`
	// Delay is in seconds.
	Delay *float64 `json:"delay,omitempty"`
}

type echoResult struct {
	Message string `json:"message"`
}

func (h *handlers) echo(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[echoParams](params)
	if err != nil {
		return nil, err
	}
	if p.Delay != nil && *p.Delay > 0 {
		t := time.NewTimer(time.Duration(*p.Delay * float64(time.Second)))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return echoResult{Message: p.Message}, nil
}
