// Package diff computes unified diffs and add/remove line counts between
// two versions of file content.
package diff

import (
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// Stat counts the lines added and removed between two file contents.
type Stat struct {
	Added   int
	Removed int
}

// Compute returns the unified diff text and line-level Stat between before
// and after for the file at path.
func Compute(path, before, after string) (unified string, stat Stat) {
	if before == after {
		return "", Stat{}
	}
	uri := span.URIFromPath(path)
	edits := myers.ComputeEdits(uri, before, after)
	if len(edits) == 0 {
		return "", Stat{}
	}
	unified = fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
	stat = statFromUnified(unified)
	return unified, stat
}

// statFromUnified counts +/- lines in a unified diff body, skipping the
// file-header (---/+++) and hunk-header (@@) lines.
func statFromUnified(unified string) Stat {
	var stat Stat
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "+"):
			stat.Added++
		case strings.HasPrefix(line, "-"):
			stat.Removed++
		}
	}
	return stat
}
