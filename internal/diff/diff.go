// ABOUTME: Line diff between a remote file and a local buffer
// ABOUTME: Produces an editor-friendly change list and go-diff formatted unified hunks

package diff

import (
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// DefaultContext is the number of unchanged lines around each hunk.
const DefaultContext = 3

// maxCells bounds the LCS table; larger inputs degrade to a replace-all diff.
const maxCells = 1 << 22

// Op is the kind of a single line change.
type Op string

const (
	Equal  Op = "equal"
	Delete Op = "delete"
	Insert Op = "insert"
)

// Change is one line of the diff. OldLine and NewLine are 1-based and zero
// when the line does not exist on that side.
type Change struct {
	Op      Op     `json:"tag"`
	Text    string `json:"value"`
	OldLine int    `json:"old_index,omitempty"`
	NewLine int    `json:"new_index,omitempty"`
}

// Lines computes the line changes turning before into after.
func Lines(before, after string) []Change {
	a := splitLines(before)
	b := splitLines(after)

	// Common prefix and suffix never need the table.
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}

	changes := make([]Change, 0, len(a)+len(b))
	for i := range pre {
		changes = append(changes, Change{Op: Equal, Text: a[i], OldLine: i + 1, NewLine: i + 1})
	}
	changes = append(changes, middle(a[pre:len(a)-suf], b[pre:len(b)-suf], pre, pre)...)
	for i := range suf {
		oi := len(a) - suf + i
		ni := len(b) - suf + i
		changes = append(changes, Change{Op: Equal, Text: a[oi], OldLine: oi + 1, NewLine: ni + 1})
	}
	return changes
}

// middle diffs the differing core with an LCS table. Deletes are emitted
// before inserts when both are possible.
func middle(a, b []string, oldOff, newOff int) []Change {
	n, m := len(a), len(b)
	var out []Change
	if n == 0 || m == 0 || n*m > maxCells {
		for i := range n {
			out = append(out, Change{Op: Delete, Text: a[i], OldLine: oldOff + i + 1})
		}
		for j := range m {
			out = append(out, Change{Op: Insert, Text: b[j], NewLine: newOff + j + 1})
		}
		return out
	}

	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int32, n+1)
	for i := range lcs {
		lcs[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, Change{Op: Equal, Text: a[i], OldLine: oldOff + i + 1, NewLine: newOff + j + 1})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, Change{Op: Delete, Text: a[i], OldLine: oldOff + i + 1})
			i++
		default:
			out = append(out, Change{Op: Insert, Text: b[j], NewLine: newOff + j + 1})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, Change{Op: Delete, Text: a[i], OldLine: oldOff + i + 1})
	}
	for ; j < m; j++ {
		out = append(out, Change{Op: Insert, Text: b[j], NewLine: newOff + j + 1})
	}
	return out
}

// Unified renders the changes as a unified diff for path with the given
// number of context lines. Identical inputs produce an empty string.
func Unified(path, before, after string, context int) (string, error) {
	if context < 0 {
		context = DefaultContext
	}
	hunks := Hunks(Lines(before, after), context)
	if len(hunks) == 0 {
		return "", nil
	}
	out, err := godiff.PrintFileDiff(&godiff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    hunks,
	})
	if err != nil {
		return "", fmt.Errorf("printing diff for %s: %w", path, err)
	}
	return string(out), nil
}

// Hunks groups changes into go-diff hunks. Runs of changes separated by at
// most 2*context equal lines share a hunk.
func Hunks(changes []Change, context int) []*godiff.Hunk {
	var hunks []*godiff.Hunk
	i := 0
	for i < len(changes) {
		if changes[i].Op == Equal {
			i++
			continue
		}
		start := max(i-context, 0)

		// Extend past changes while the following equal run is short enough to merge.
		end := i
		for end < len(changes) {
			if changes[end].Op != Equal {
				end++
				continue
			}
			run := end
			for run < len(changes) && changes[run].Op == Equal {
				run++
			}
			if run == len(changes) || run-end > 2*context {
				break
			}
			end = run
		}
		stop := min(end+context, len(changes))
		hunks = append(hunks, buildHunk(changes, start, stop))
		i = stop
	}
	return hunks
}

func buildHunk(changes []Change, start, stop int) *godiff.Hunk {
	// Lines consumed before the hunk on each side.
	var oldBefore, newBefore int32
	for _, c := range changes[:start] {
		if c.Op != Insert {
			oldBefore++
		}
		if c.Op != Delete {
			newBefore++
		}
	}

	h := &godiff.Hunk{}
	var body strings.Builder
	for _, c := range changes[start:stop] {
		switch c.Op {
		case Equal:
			body.WriteString(" ")
			h.OrigLines++
			h.NewLines++
		case Delete:
			body.WriteString("-")
			h.OrigLines++
		case Insert:
			body.WriteString("+")
			h.NewLines++
		}
		body.WriteString(c.Text)
		body.WriteString("\n")
	}
	h.OrigStartLine = oldBefore
	if h.OrigLines > 0 {
		h.OrigStartLine++
	}
	h.NewStartLine = newBefore
	if h.NewLines > 0 {
		h.NewStartLine++
	}
	h.Body = []byte(body.String())
	return h
}

// Stat counts added and deleted lines in a single-file unified diff.
func Stat(unified string) (added, deleted int, err error) {
	if unified == "" {
		return 0, 0, nil
	}
	fd, err := godiff.ParseFileDiff([]byte(unified))
	if err != nil {
		return 0, 0, fmt.Errorf("parsing diff: %w", err)
	}
	st := fd.Stat()
	return int(st.Added + st.Changed), int(st.Deleted + st.Changed), nil
}

// splitLines splits on newlines, dropping the terminator of the last line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
