// ABOUTME: sourcegraph/* handlers: entries, file and directory contents, search, code intel, diff
// ABOUTME: Revisions go through the commit cache; file contents are memoized per full commit

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/mauromedda/sg-nvim-go/internal/diff"
	"github.com/mauromedda/sg-nvim-go/internal/log"
	"github.com/mauromedda/sg-nvim-go/internal/sourcegraph"
	"github.com/mauromedda/sg-nvim-go/internal/uri"
)

type pathParams struct {
	Path string `json:"path"`
}

func (p pathParams) validate() error {
	if p.Path == "" {
		return invalidParams("path is required")
	}
	return nil
}

// Entry is a resolved reference plus its rendered names.
type Entry struct {
	uri.Reference
	Bufname string `json:"bufname"`
	URL     string `json:"url"`
}

func (h *handlers) entry(ref uri.Reference) Entry {
	parser := h.Resolver.Parser()
	return Entry{Reference: ref, Bufname: parser.Bufname(ref), URL: ref.URL(parser.Endpoint())}
}

func (h *handlers) getEntry(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[pathParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	ref, err := h.Resolver.Resolve(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	return h.entry(ref), nil
}

type remoteFileResult struct {
	Normalized string `json:"normalized"`
}

func (h *handlers) getRemoteFile(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[pathParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	ref, err := h.Resolver.Resolve(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	return remoteFileResult{Normalized: h.Resolver.Parser().Bufname(ref)}, nil
}

type revisionParams struct {
	Remote   string `json:"remote"`
	Revision string `json:"revision"`
	Path     string `json:"path"`
}

func (p *revisionParams) validate() error {
	if p.Remote == "" {
		return invalidParams("remote is required")
	}
	if p.Revision == "" {
		p.Revision = "HEAD"
	}
	return nil
}

// commit resolves a revision through the shared cache.
func (h *handlers) commit(ctx context.Context, remote, revision string) (string, error) {
	c, err := h.Revisions.ResolveRevision(ctx, remote, revision)
	if err != nil {
		return "", &uri.ResolutionError{Remote: remote, Revision: revision, Err: err}
	}
	return c, nil
}

// fileLines returns the lines of a file, fetching at most once per
// (remote, commit, path).
func (h *handlers) fileLines(ctx context.Context, remote, revision, path string) ([]string, error) {
	commit, err := h.commit(ctx, remote, revision)
	if err != nil {
		return nil, err
	}
	key := fileKey{remote: remote, commit: commit, path: path}

	h.mu.Lock()
	lines, ok := h.files[key]
	h.mu.Unlock()
	if ok {
		return lines, nil
	}

	contents, err := h.Sourcegraph.FileContents(ctx, remote, commit, path)
	if err != nil {
		return nil, fmt.Errorf("fetching %s@%s/-/%s: %w", remote, commit, path, err)
	}
	lines = strings.Split(strings.TrimSuffix(contents, "\n"), "\n")
	if contents == "" {
		lines = []string{}
	}

	h.mu.Lock()
	h.files[key] = lines
	h.mu.Unlock()
	return lines, nil
}

func (h *handlers) getFileContents(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[revisionParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, invalidParams("path is required")
	}
	return h.fileLines(ctx, p.Remote, p.Revision, p.Path)
}

type directoryParams struct {
	revisionParams
	Query string `json:"query,omitempty"`
}

// DirEntry is one directory listing row.
type DirEntry struct {
	uri.PathInfo
	Bufname string `json:"bufname"`
}

// dirSource adapts a listing to fuzzy.Source, matching on the path.
type dirSource []uri.PathInfo

func (d dirSource) String(i int) string { return d[i].Path }
func (d dirSource) Len() int            { return len(d) }

func (h *handlers) getDirectoryContents(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[directoryParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	commit, err := h.commit(ctx, p.Remote, p.Revision)
	if err != nil {
		return nil, err
	}
	infos, err := h.Sourcegraph.ListFiles(ctx, p.Remote, commit, p.Path)
	if err != nil {
		return nil, fmt.Errorf("listing %s@%s/-/%s: %w", p.Remote, commit, p.Path, err)
	}

	if p.Query != "" {
		matches := fuzzy.FindFrom(p.Query, dirSource(infos))
		ranked := make([]uri.PathInfo, len(matches))
		for i, m := range matches {
			ranked[i] = infos[m.Index]
		}
		infos = ranked
	}

	parser := h.Resolver.Parser()
	out := make([]DirEntry, len(infos))
	for i, info := range infos {
		ref := uri.Reference{
			Remote:      info.Remote,
			Revision:    p.Revision,
			Commit:      info.Commit,
			Abbreviated: info.Abbreviated,
			Path:        info.Path,
			Kind:        uri.KindFile,
		}
		if info.IsDirectory {
			ref.Kind = uri.KindDirectory
		}
		out[i] = DirEntry{PathInfo: info, Bufname: parser.Bufname(ref)}
	}
	return out, nil
}

func (h *handlers) getCommitHash(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[revisionParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return h.commit(ctx, p.Remote, p.Revision)
}

type searchParams struct {
	Query string `json:"query"`
}

func (h *handlers) search(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[searchParams](params)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, invalidParams("query is required")
	}
	results, err := h.Sourcegraph.Search(ctx, p.Query)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []sourcegraph.SearchResult{}
	}
	return results, nil
}

// positionParams follows LSP: line and character are zero based.
type positionParams struct {
	URI       string `json:"uri"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

// fileAt resolves the file a code intel request points into.
func (h *handlers) fileAt(ctx context.Context, params json.RawMessage) (sourcegraph.CodeIntelParams, error) {
	p, err := decodeParams[positionParams](params)
	if err != nil {
		return sourcegraph.CodeIntelParams{}, err
	}
	if p.URI == "" {
		return sourcegraph.CodeIntelParams{}, invalidParams("uri is required")
	}
	if p.Line < 0 || p.Character < 0 {
		return sourcegraph.CodeIntelParams{}, invalidParams("negative position %d:%d", p.Line, p.Character)
	}
	ref, err := h.Resolver.Resolve(ctx, p.URI)
	if err != nil {
		return sourcegraph.CodeIntelParams{}, err
	}
	if ref.Kind != uri.KindFile {
		return sourcegraph.CodeIntelParams{}, fmt.Errorf("%w: %s is a %s", ErrNotAFile, p.URI, ref.Kind)
	}
	return sourcegraph.CodeIntelParams{
		Remote:    ref.Remote,
		Commit:    ref.Commit,
		Path:      ref.Path,
		Line:      p.Line,
		Character: p.Character,
	}, nil
}

func (h *handlers) hover(ctx context.Context, params json.RawMessage) (any, error) {
	ci, err := h.fileAt(ctx, params)
	if err != nil {
		return nil, err
	}
	text, err := h.Sourcegraph.Hover(ctx, ci)
	if errors.Is(err, sourcegraph.ErrNoCodeIntel) {
		return "", nil
	}
	return text, err
}

// LocationEntry is a code intel location with its buffer name.
type LocationEntry struct {
	sourcegraph.Location
	Bufname string `json:"bufname"`
}

func (h *handlers) locations(locs []sourcegraph.Location) []LocationEntry {
	parser := h.Resolver.Parser()
	out := make([]LocationEntry, len(locs))
	for i, l := range locs {
		ref := uri.Reference{Remote: l.Remote, Commit: l.Commit, Path: l.Path, Kind: uri.KindFile}
		out[i] = LocationEntry{Location: l, Bufname: parser.Bufname(ref)}
	}
	return out
}

func (h *handlers) definition(ctx context.Context, params json.RawMessage) (any, error) {
	ci, err := h.fileAt(ctx, params)
	if err != nil {
		return nil, err
	}
	locs, err := h.Sourcegraph.Definitions(ctx, ci)
	if errors.Is(err, sourcegraph.ErrNoCodeIntel) {
		return []LocationEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return h.locations(locs), nil
}

func (h *handlers) references(ctx context.Context, params json.RawMessage) (any, error) {
	ci, err := h.fileAt(ctx, params)
	if err != nil {
		return nil, err
	}
	locs, err := h.Sourcegraph.References(ctx, ci)
	if errors.Is(err, sourcegraph.ErrNoCodeIntel) {
		return []LocationEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return h.locations(locs), nil
}

type infoResult struct {
	Endpoint string            `json:"endpoint"`
	Version  string            `json:"version"`
	User     *sourcegraph.User `json:"user"`
}

func (h *handlers) info(ctx context.Context, _ json.RawMessage) (any, error) {
	version, err := h.Sourcegraph.Version(ctx)
	if err != nil {
		return nil, err
	}
	res := infoResult{Endpoint: h.Resolver.Parser().Endpoint(), Version: version}
	user, err := h.Sourcegraph.CurrentUser(ctx)
	switch {
	case err == nil:
		res.User = &user
	case errors.Is(err, sourcegraph.ErrUnauthorized):
		log.Debug("info: not signed in: %v", err)
	default:
		return nil, err
	}
	return res, nil
}

func (h *handlers) userInfo(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.Sourcegraph.CurrentUser(ctx)
}

type diffParams struct {
	revisionParams
	Contents string `json:"contents"`
	Context  *int   `json:"context,omitempty"`
}

type diffResult struct {
	Unified string        `json:"unified"`
	Changes []diff.Change `json:"changes"`
	Added   int           `json:"added"`
	Deleted int           `json:"deleted"`
}

func (h *handlers) diffFile(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[diffParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, invalidParams("path is required")
	}
	lines, err := h.fileLines(ctx, p.Remote, p.Revision, p.Path)
	if err != nil {
		return nil, err
	}
	remote := ""
	if len(lines) > 0 {
		remote = strings.Join(lines, "\n") + "\n"
	}

	n := diff.DefaultContext
	if p.Context != nil {
		n = *p.Context
	}
	unified, err := diff.Unified(p.Path, remote, p.Contents, n)
	if err != nil {
		return nil, err
	}
	added, deleted, err := diff.Stat(unified)
	if err != nil {
		return nil, err
	}
	return diffResult{
		Unified: unified,
		Changes: diff.Lines(remote, p.Contents),
		Added:   added,
		Deleted: deleted,
	}, nil
}
