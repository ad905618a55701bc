// ABOUTME: Pure parser for sg:// virtual paths and instance web links
// ABOUTME: Handles host aliases, revision defaults, kind hints, and line/column suffixes

package uri

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scheme is the virtual path scheme used for editor buffers.
const Scheme = "sg://"

// DefaultRevision is used when a path names no revision.
const DefaultRevision = "HEAD"

// DefaultEndpoint is the public instance.
const DefaultEndpoint = "https://sourcegraph.com"

const shortOIDLen = 7

// DefaultAliases maps short host names accepted in virtual paths to the
// canonical host.
var DefaultAliases = map[string]string{
	"gh": "github.com",
}

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("uri: parse error")

// ParseError reports an input that does not have the shape of a virtual path.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Target is the result of parsing, before any remote lookup. Repo is set
// when the input had no "/-/" separator or an empty path after it.
type Target struct {
	Remote   string
	Revision string
	Path     string
	Repo     bool
	Position *Position
}

// Parser turns raw strings into Targets. It is immutable after construction
// and safe for concurrent use.
type Parser struct {
	endpoint string
	prefixes []string
	aliases  map[string]string
	reverse  map[string]string
}

// NewParser returns a parser that also accepts web links under endpoint.
// aliases maps short host names to canonical ones; nil means DefaultAliases.
func NewParser(endpoint string, aliases map[string]string) *Parser {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	if aliases == nil {
		aliases = DefaultAliases
	}

	p := &Parser{
		endpoint: endpoint,
		aliases:  make(map[string]string, len(aliases)),
		reverse:  make(map[string]string, len(aliases)),
	}
	p.prefixes = append(p.prefixes, Scheme)
	for _, e := range []string{endpoint, DefaultEndpoint} {
		p.prefixes = append(p.prefixes, e+"/")
		if u, err := url.Parse(e); err == nil && u.Host != "" {
			p.prefixes = append(p.prefixes, "https://"+u.Host+"/", "http://"+u.Host+"/")
		}
	}

	names := make([]string, 0, len(aliases))
	for short := range aliases {
		names = append(names, short)
	}
	// Shortest alias wins when several point at the same host.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	for _, short := range names {
		host := aliases[short]
		p.aliases[short] = host
		if _, ok := p.reverse[host]; !ok {
			p.reverse[host] = short
		}
	}
	return p
}

// Endpoint returns the instance URL without a trailing slash.
func (p *Parser) Endpoint() string { return p.endpoint }

// Normalize strips the scheme or instance prefix, expands a host alias in
// the first segment, drops one leading slash, and applies NFC.
func (p *Parser) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.TrimPrefix(s, "/")

	head, rest, found := strings.Cut(s, "/")
	if host, ok := p.aliases[head]; ok {
		if found {
			s = host + "/" + rest
		} else {
			s = host
		}
	}
	return norm.NFC.String(s)
}

// Parse splits raw into remote, revision, path, and optional position.
func (p *Parser) Parse(raw string) (Target, error) {
	s := p.Normalize(raw)
	if s == "" {
		return Target{}, &ParseError{Input: raw, Reason: "empty path"}
	}
	if hasForeignScheme(s) {
		return Target{}, &ParseError{Input: raw, Reason: "unsupported scheme"}
	}

	remoteRev, rest, found := strings.Cut(s, "/-/")
	if !found {
		if strings.Count(s, "?") > 1 {
			return Target{}, &ParseError{Input: raw, Reason: "too many question marks"}
		}
		s, _, _ = strings.Cut(s, "?")
		remote, rev := splitRevision(strings.TrimSuffix(s, "/"))
		if remote == "" {
			return Target{}, &ParseError{Input: raw, Reason: "missing repository"}
		}
		if rev == "" {
			return Target{}, &ParseError{Input: raw, Reason: "empty revision"}
		}
		return Target{Remote: remote, Revision: rev, Repo: true}, nil
	}

	remote, rev := splitRevision(remoteRev)
	if remote == "" {
		return Target{}, &ParseError{Input: raw, Reason: "missing repository"}
	}
	if rev == "" {
		return Target{}, &ParseError{Input: raw, Reason: "empty revision"}
	}

	rest = stripKindHint(rest)
	if strings.Count(rest, "?") > 1 {
		return Target{}, &ParseError{Input: raw, Reason: "too many question marks"}
	}
	path, query, hasQuery := strings.Cut(rest, "?")
	path = strings.TrimSuffix(path, "/")

	t := Target{Remote: remote, Revision: rev, Path: path}
	if path == "" {
		t.Repo = true
		return t, nil
	}
	if hasQuery {
		t.Position = parsePosition(query)
	}
	return t, nil
}

// hasForeignScheme reports whether s, already stripped of the accepted
// prefixes, still starts with a URL scheme. A host:port first segment is
// not a scheme.
func hasForeignScheme(s string) bool {
	if strings.Contains(s, "://") {
		return true
	}
	head, _, _ := strings.Cut(s, "/")
	scheme, rest, found := strings.Cut(head, ":")
	if !found || scheme == "" {
		return false
	}
	if rest != "" && strings.Trim(rest, "0123456789") == "" {
		return false
	}
	return true
}

// Bufname renders the canonical editor buffer name for ref:
// sg://<short-remote>@<short-oid>[/-/<path>].
func (p *Parser) Bufname(ref Reference) string {
	name := Scheme + p.ShortRemote(ref.Remote) + "@" + ref.ShortOID()
	if ref.Kind == KindRepo || ref.Path == "" {
		return name
	}
	return name + "/-/" + ref.Path
}

// ShortRemote replaces a canonical host with its alias.
func (p *Parser) ShortRemote(remote string) string {
	head, rest, found := strings.Cut(remote, "/")
	short, ok := p.reverse[head]
	if !ok {
		return remote
	}
	if !found {
		return short
	}
	return short + "/" + rest
}

func splitRevision(s string) (remote, rev string) {
	remote, rev, found := strings.Cut(s, "@")
	if !found {
		return s, DefaultRevision
	}
	return remote, rev
}

func stripKindHint(s string) string {
	for _, hint := range []string{"blob/", "tree/"} {
		if strings.HasPrefix(s, hint) {
			return s[len(hint):]
		}
	}
	return s
}

// parsePosition reads L<line>[:<col>][-<line>[:<col>]]. Malformed input
// yields nil so the file itself can still be opened.
func parsePosition(q string) *Position {
	spec, ok := strings.CutPrefix(q, "L")
	if !ok {
		return nil
	}
	startSpec, endSpec, isRange := strings.Cut(spec, "-")
	start, ok := parsePoint(startSpec)
	if !ok {
		return nil
	}
	pos := &Position{Point: start}
	if isRange {
		end, ok := parsePoint(strings.TrimPrefix(endSpec, "L"))
		if !ok {
			return nil
		}
		pos.End = &end
	}
	return pos
}

func parsePoint(s string) (Point, bool) {
	lineStr, colStr, hasCol := strings.Cut(s, ":")
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 1 {
		return Point{}, false
	}
	pt := Point{Line: line}
	if hasCol {
		col, err := strconv.Atoi(colStr)
		if err != nil || col < 0 {
			return Point{}, false
		}
		pt.Col = col
	}
	return pt, true
}
