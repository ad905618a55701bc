// ABOUTME: Structured form of a remote virtual path: repository, revision, path, kind, position
// ABOUTME: Renders canonical buffer names and web URLs for resolved references

package uri

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the type of object a reference names. It is only ever assigned from
// a path-info lookup against the remote, never inferred from the input string.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindRepo
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindRepo:
		return "repo"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "file":
		*k = KindFile
	case "directory":
		*k = KindDirectory
	case "repo":
		*k = KindRepo
	default:
		return fmt.Errorf("unknown kind %q", b)
	}
	return nil
}

// Point is a line/column pair. Lines are 1-based; Col is 0 when the input
// named only a line.
type Point struct {
	Line int `json:"line"`
	Col  int `json:"col,omitempty"`
}

// Position is a cursor location or, when End is set, a span.
type Position struct {
	Point
	End *Point `json:"end,omitempty"`
}

// Reference is a fully resolved virtual path. Commit is the full hash that
// Revision resolved to; Abbreviated is the short oid reported by the path
// lookup, when the remote supplied one.
type Reference struct {
	Remote      string    `json:"remote"`
	Revision    string    `json:"revision"`
	Commit      string    `json:"commit"`
	Abbreviated string    `json:"abbreviated,omitempty"`
	Path        string    `json:"path"`
	Kind        Kind      `json:"kind"`
	Position    *Position `json:"position,omitempty"`
}

var (
	errRepoWithPath    = errors.New("repo reference has a path")
	errRepoWithPos     = errors.New("repo reference has a position")
	errDirWithPos      = errors.New("directory reference has a position")
	errMissingRemote   = errors.New("reference has no remote")
	errRemoteScheme    = errors.New("reference remote contains a scheme")
	errMissingFilePath = errors.New("file reference has no path")
)

// Validate checks the kind-dependent shape of r.
func (r Reference) Validate() error {
	if r.Remote == "" {
		return errMissingRemote
	}
	if strings.Contains(r.Remote, "://") {
		return errRemoteScheme
	}
	switch r.Kind {
	case KindRepo:
		if r.Path != "" {
			return errRepoWithPath
		}
		if r.Position != nil {
			return errRepoWithPos
		}
	case KindDirectory:
		if r.Position != nil {
			return errDirWithPos
		}
	case KindFile:
		if r.Path == "" {
			return errMissingFilePath
		}
	}
	return nil
}

// ShortOID returns the abbreviated commit used in buffer names.
func (r Reference) ShortOID() string {
	if r.Abbreviated != "" {
		return r.Abbreviated
	}
	if IsFullHash(r.Commit) {
		return r.Commit[:shortOIDLen]
	}
	if r.Commit != "" {
		return r.Commit
	}
	return r.Revision
}

// URL renders the web address of r on the given instance.
func (r Reference) URL(endpoint string) string {
	endpoint = strings.TrimSuffix(endpoint, "/")
	rev := r.Commit
	if rev == "" {
		rev = r.Revision
	}
	base := endpoint + "/" + r.Remote + "@" + rev
	switch r.Kind {
	case KindRepo:
		return base
	case KindDirectory:
		return base + "/-/tree/" + r.Path
	}
	u := base + "/-/blob/" + r.Path
	if p := r.Position; p != nil {
		u += "?L" + formatPoint(p.Point)
		if p.End != nil {
			u += "-" + formatPoint(*p.End)
		}
	}
	return u
}

func formatPoint(p Point) string {
	if p.Col > 0 {
		return fmt.Sprintf("%d:%d", p.Line, p.Col)
	}
	return fmt.Sprintf("%d", p.Line)
}
