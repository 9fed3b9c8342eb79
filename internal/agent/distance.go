package agent

import (
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffTimeout caps a single distance computation. When diffmatchpatch
// gives up it returns a coarse diff, which only overestimates distance.
const diffTimeout = 250 * time.Millisecond

// changeDistance is the character-level Levenshtein distance between two
// normalized pane tails.
func changeDistance(a, b []string) int {
	as, bs := strings.Join(a, "\n"), strings.Join(b, "\n")
	if as == bs {
		return 0
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = diffTimeout
	diffs := dmp.DiffMain(as, bs, false)
	return dmp.DiffLevenshtein(diffs)
}
