// ABOUTME: Tests for end-to-end path resolution against fake revision and path lookups
// ABOUTME: Verifies kind assignment, position dropping, and error propagation

package uri

import (
	"context"
	"errors"
	"testing"
)

type fakeInspector struct {
	dirs  map[string]bool
	err   error
	calls int
}

func (f *fakeInspector) PathInfo(_ context.Context, remote, commit, path string) (PathInfo, error) {
	f.calls++
	if f.err != nil {
		return PathInfo{}, f.err
	}
	return PathInfo{
		Remote:      remote,
		Commit:      commit,
		Abbreviated: commit[:5],
		Path:        path,
		IsDirectory: f.dirs[path],
	}, nil
}

func newTestResolver(insp *fakeInspector, res RevisionResolver) *Resolver {
	return NewResolver(NewParser("https://example.test", nil), NewCommitCache(res), insp)
}

func TestResolveFile(t *testing.T) {
	t.Parallel()

	insp := &fakeInspector{}
	r := newTestResolver(insp, &countingResolver{})

	ref, err := r.Resolve(context.Background(), "sg://acme/widgets@main/-/blob/src/main.c?L29:2")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Kind != KindFile {
		t.Errorf("Kind = %s; want file", ref.Kind)
	}
	if ref.Commit != testHash || ref.Revision != "main" {
		t.Errorf("Commit/Revision = %q/%q", ref.Commit, ref.Revision)
	}
	if ref.Position == nil || ref.Position.Line != 29 || ref.Position.Col != 2 {
		t.Errorf("Position = %+v", ref.Position)
	}
	if ref.Abbreviated != "deadb" {
		t.Errorf("Abbreviated = %q", ref.Abbreviated)
	}
	if got := r.Parser().Bufname(ref); got != "sg://acme/widgets@deadb/-/src/main.c" {
		t.Errorf("Bufname = %q", got)
	}
}

func TestResolveDirectoryDropsPosition(t *testing.T) {
	t.Parallel()

	insp := &fakeInspector{dirs: map[string]bool{"lib": true}}
	r := newTestResolver(insp, &countingResolver{})

	ref, err := r.Resolve(context.Background(), "sg://acme/widgets@main/-/blob/lib?L137:21-137:54")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Kind != KindDirectory {
		t.Errorf("Kind = %s; want directory (the blob/ hint is not trusted)", ref.Kind)
	}
	if ref.Position != nil {
		t.Errorf("Position = %+v; want nil for directory", ref.Position)
	}
}

func TestResolveRepoSkipsPathLookup(t *testing.T) {
	t.Parallel()

	insp := &fakeInspector{}
	r := newTestResolver(insp, &countingResolver{})

	ref, err := r.Resolve(context.Background(), "sg://acme/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Kind != KindRepo || ref.Path != "" || ref.Position != nil {
		t.Errorf("ref = %+v; want bare repo", ref)
	}
	if ref.Revision != "HEAD" {
		t.Errorf("Revision = %q; want HEAD", ref.Revision)
	}
	if insp.calls != 0 {
		t.Errorf("path lookups = %d; want 0", insp.calls)
	}
}

func TestResolveFullHashSkipsRevisionLookup(t *testing.T) {
	t.Parallel()

	res := &countingResolver{}
	r := newTestResolver(&fakeInspector{}, res)
	if _, err := r.Resolve(context.Background(), "sg://acme/widgets@"+testHash+"/-/a.c"); err != nil {
		t.Fatal(err)
	}
	if res.calls.Load() != 0 {
		t.Errorf("revision lookups = %d; want 0", res.calls.Load())
	}
}

func TestResolveRepeatedRevisionUsesCache(t *testing.T) {
	t.Parallel()

	res := &countingResolver{}
	r := newTestResolver(&fakeInspector{}, res)
	for _, p := range []string{"sg://acme/widgets@main/-/a.c", "sg://acme/widgets@main/-/b.c"} {
		if _, err := r.Resolve(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	if got := res.calls.Load(); got != 1 {
		t.Errorf("revision lookups = %d; want 1", got)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	t.Run("parse", func(t *testing.T) {
		t.Parallel()
		r := newTestResolver(&fakeInspector{}, &countingResolver{})
		_, err := r.Resolve(context.Background(), "sg://a/b/-/c?x?y")
		if !errors.Is(err, ErrParse) {
			t.Errorf("err = %v; want ErrParse", err)
		}
	})

	t.Run("foreign scheme", func(t *testing.T) {
		t.Parallel()
		res := &countingResolver{}
		r := newTestResolver(&fakeInspector{}, res)
		_, err := r.Resolve(context.Background(), "http://other.test/acme/widgets")
		if !errors.Is(err, ErrParse) {
			t.Errorf("err = %v; want ErrParse", err)
		}
		if got := res.calls.Load(); got != 0 {
			t.Errorf("revision lookups = %d; want 0", got)
		}
	})

	t.Run("revision", func(t *testing.T) {
		t.Parallel()
		res := &countingResolver{}
		res.fail.Store(true)
		r := newTestResolver(&fakeInspector{}, res)
		_, err := r.Resolve(context.Background(), "sg://a/b@main/-/c")
		if !errors.Is(err, ErrResolution) {
			t.Errorf("err = %v; want ErrResolution", err)
		}
		var re *ResolutionError
		if !errors.As(err, &re) || re.Revision != "main" {
			t.Errorf("ResolutionError = %+v", re)
		}
	})

	t.Run("path info", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("not found")
		r := newTestResolver(&fakeInspector{err: boom}, &countingResolver{})
		_, err := r.Resolve(context.Background(), "sg://a/b/-/c")
		if !errors.Is(err, ErrResolution) || !errors.Is(err, boom) {
			t.Errorf("err = %v; want ErrResolution wrapping cause", err)
		}
	})
}
