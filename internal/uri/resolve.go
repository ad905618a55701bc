// ABOUTME: Resolves virtual paths into References using revision and path-info lookups
// ABOUTME: Resolution failures abort the whole call; no partial reference is returned

package uri

import (
	"context"
	"errors"
	"fmt"
)

// ErrResolution is matched by every *ResolutionError.
var ErrResolution = errors.New("uri: resolution failed")

// ResolutionError reports a failed remote lookup while resolving a path.
type ResolutionError struct {
	Remote   string
	Revision string
	Path     string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("resolving %s@%s/-/%s: %v", e.Remote, e.Revision, e.Path, e.Err)
	}
	return fmt.Sprintf("resolving %s@%s: %v", e.Remote, e.Revision, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// PathInfo is what the remote reports about a path at a commit.
type PathInfo struct {
	Remote      string `json:"remote"`
	Commit      string `json:"commit"`
	Abbreviated string `json:"abbreviated,omitempty"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
}

// PathInspector looks up whether a path is a file or a directory.
type PathInspector interface {
	PathInfo(ctx context.Context, remote, commit, path string) (PathInfo, error)
}

// Resolver combines parsing with the remote lookups needed to produce a
// Reference.
type Resolver struct {
	parser    *Parser
	revisions RevisionResolver
	paths     PathInspector
}

// NewResolver returns a resolver. revisions is normally a *CommitCache.
func NewResolver(parser *Parser, revisions RevisionResolver, paths PathInspector) *Resolver {
	return &Resolver{parser: parser, revisions: revisions, paths: paths}
}

// Parser returns the parser used by r.
func (r *Resolver) Parser() *Parser { return r.parser }

// Resolve parses raw and resolves its revision and kind.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Reference, error) {
	t, err := r.parser.Parse(raw)
	if err != nil {
		return Reference{}, err
	}
	return r.ResolveTarget(ctx, t)
}

// ResolveTarget resolves an already parsed target.
func (r *Resolver) ResolveTarget(ctx context.Context, t Target) (Reference, error) {
	commit, err := r.revisions.ResolveRevision(ctx, t.Remote, t.Revision)
	if err != nil {
		return Reference{}, &ResolutionError{Remote: t.Remote, Revision: t.Revision, Err: err}
	}

	ref := Reference{
		Remote:   t.Remote,
		Revision: t.Revision,
		Commit:   commit,
	}
	if t.Repo {
		ref.Kind = KindRepo
		return ref, nil
	}

	info, err := r.paths.PathInfo(ctx, t.Remote, commit, t.Path)
	if err != nil {
		return Reference{}, &ResolutionError{Remote: t.Remote, Revision: t.Revision, Path: t.Path, Err: err}
	}

	ref.Path = t.Path
	if info.Path != "" {
		ref.Path = info.Path
	}
	ref.Abbreviated = info.Abbreviated
	if info.IsDirectory {
		ref.Kind = KindDirectory
	} else {
		ref.Kind = KindFile
		ref.Position = t.Position
	}
	if err := ref.Validate(); err != nil {
		return Reference{}, &ResolutionError{Remote: t.Remote, Revision: t.Revision, Path: t.Path, Err: err}
	}
	return ref, nil
}
