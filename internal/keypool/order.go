package keypool

import (
	"sort"
	"strings"
	"time"
)

// compareFairness orders candidates least-used first: ascending by
// usage count, then by last-used time with never-used records treated
// as epoch zero, then by creation time, with id as the final tie-break
// so the order is fully deterministic. Spreading load this way gives
// fresh keys priority and keeps any single key away from upstream rate
// limits.
func compareFairness(a, b *Credential) int {
	if a.UsageCount != b.UsageCount {
		if a.UsageCount < b.UsageCount {
			return -1
		}
		return 1
	}

	au, bu := lastUsedOrEpoch(a), lastUsedOrEpoch(b)
	if !au.Equal(bu) {
		if au.Before(bu) {
			return -1
		}
		return 1
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}

	return strings.Compare(a.ID, b.ID)
}

func lastUsedOrEpoch(c *Credential) time.Time {
	if c.LastUsedAt == nil {
		return time.Time{}
	}
	return *c.LastUsedAt
}

func sortByFairness(creds []*Credential) {
	sort.Slice(creds, func(i, j int) bool {
		return compareFairness(creds[i], creds[j]) < 0
	})
}
