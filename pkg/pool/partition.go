package pool

import (
	"math/rand"
)

// Partition drops records already present in existing, classifies the rest
// as joinable or full, and returns both groups independently shuffled.
//
// The shuffle is deliberate: the upstream's ordering is not trusted to be
// fair, and repeated callers must not always receive the same front-of-list
// servers. Only partition membership is deterministic, never order.
func Partition(records []ServerRecord, existing map[string]struct{}) (joinable, full []ServerRecord) {
	for _, rec := range records {
		if _, dup := existing[rec.ID]; dup {
			continue
		}
		if rec.IsFull() {
			full = append(full, rec)
		} else {
			joinable = append(joinable, rec)
		}
	}

	rand.Shuffle(len(joinable), func(i, j int) {
		joinable[i], joinable[j] = joinable[j], joinable[i]
	})
	rand.Shuffle(len(full), func(i, j int) {
		full[i], full[j] = full[j], full[i]
	})

	return joinable, full
}
