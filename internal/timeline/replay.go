package timeline

import (
	"sort"

	"github.com/mzanetti/pairview/internal/session"
)

// Reconstruct folds the operation log into document content at targetTime
// (ms since session start). The log is stably sorted by timestamp, so
// same-instant operations keep arrival order, and each op with
// timestamp <= targetTime is spliced into the accumulator.
//
// Offsets were produced against each author's local document length at write
// time, which may be stale relative to the accumulator, so out-of-range
// offsets are clamped rather than rejected. The fold is pure: identical
// inputs always yield byte-identical output.
func Reconstruct(log []session.Operation, targetTime int64) string {
	content, _ := ReconstructCounted(log, targetTime)
	return content
}

// ReconstructCounted additionally reports how many offsets had to be
// clamped, for metrics and test verification.
func ReconstructCounted(log []session.Operation, targetTime int64) (string, int) {
	ops := make([]session.Operation, len(log))
	copy(ops, log)
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp < ops[j].Timestamp
	})

	content := ""
	clamps := 0
	for _, op := range ops {
		if op.Timestamp > targetTime {
			break
		}
		from, to := op.From, op.To
		if from > len(content) {
			from = len(content)
			clamps++
		}
		if to > len(content) {
			to = len(content)
			clamps++
		}
		if from < 0 {
			from = 0
			clamps++
		}
		if to < from {
			to = from
		}
		content = content[:from] + op.Text + content[to:]
	}
	return content, clamps
}
