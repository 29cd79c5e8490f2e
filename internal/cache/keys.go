package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CohortPerformanceKey builds a stable cache key for a cohort
// performance lookup. Account order must not affect the key, so the
// list is sorted before hashing.
func CohortPerformanceKey(accounts []string, start, end time.Time) string {
	sorted := append([]string(nil), accounts...)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("rollout:perf:%s:%d:%d",
		hex.EncodeToString(h[:8]), start.Unix(), end.Unix())
}

// EligibleAccountsKey is the cache key for the platform's eligible
// account roster.
const EligibleAccountsKey = "rollout:accounts:eligible"
