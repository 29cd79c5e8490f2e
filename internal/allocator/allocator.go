package allocator

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// Allocator assigns eligible accounts to control and treatment cohorts
// and tracks which accounts are reserved by active tests. An account
// never belongs to two active tests at once.
type Allocator struct {
	logger *slog.Logger

	mu       sync.Mutex
	reserved map[string]string // account -> test ID
}

// New constructs an Allocator.
func New(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		logger:   logger,
		reserved: make(map[string]string),
	}
}

// Allocate pins cohort membership for the life of a test. The first
// call (nil cohorts) builds matched control and treatment cohorts for
// the shadow phase; later calls grow the treatment with unassigned
// eligible accounts while the control set stays fixed. An account
// never moves between cohorts once assigned, and the growth order is
// deterministic for a given test ID and roster.
func (a *Allocator) Allocate(testID string, eligible []string, phase models.Phase, control, treatment []string) (newControl, newTreatment []string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	assigned := make(map[string]bool, len(control)+len(treatment))
	for _, acct := range control {
		assigned[acct] = true
	}
	for _, acct := range treatment {
		assigned[acct] = true
	}

	free := make([]string, 0, len(eligible))
	for _, acct := range eligible {
		if assigned[acct] {
			continue
		}
		if _, taken := a.reserved[acct]; taken {
			continue
		}
		free = append(free, acct)
	}

	controlTarget, treatTarget := cohortTargets(phase, len(eligible), len(control), len(treatment), len(free))
	growControl := controlTarget - len(control)
	growTreat := treatTarget - len(treatment)
	if controlTarget < 1 || treatTarget < 1 || growControl+growTreat > len(free) {
		return nil, nil, utils.NewAppError("allocator.Allocate", utils.KindInvariant,
			fmt.Sprintf("phase %s needs %d more accounts, only %d of %d unreserved",
				phase, growControl+growTreat, len(free), len(eligible)), nil)
	}

	// Test-seeded hash order, so growth does not depend on roster order.
	sort.Slice(free, func(i, j int) bool {
		return accountRank(testID, free[i]) < accountRank(testID, free[j])
	})

	newTreatment = append(append([]string(nil), treatment...), free[:growTreat]...)
	newControl = append(append([]string(nil), control...), free[growTreat:growTreat+growControl]...)

	for _, acct := range newTreatment {
		a.reserved[acct] = testID
	}
	for _, acct := range newControl {
		a.reserved[acct] = testID
	}

	a.logger.Debug("allocated cohorts",
		"test_id", testID,
		"phase", phase,
		"treatment", len(newTreatment),
		"control", len(newControl))
	return newControl, newTreatment, nil
}

// cohortTargets derives cohort sizes for a phase. Control is sized
// once when the test starts and stays fixed afterwards; treatment
// grows to the phase's traffic share and absorbs every remaining
// unassigned account at full rollout, leaving the control as the only
// holdout. Neither cohort ever shrinks while the test is active.
func cohortTargets(phase models.Phase, eligibleCount, controlLen, treatmentLen, freeCount int) (control, treat int) {
	control = controlLen
	if control == 0 {
		control = eligibleCount / 10
		if control < 1 {
			control = 1
		}
	}

	pct := phase.TrafficPercent()
	switch {
	case phase == models.PhaseShadow:
		treat = eligibleCount / 10
		if treat < 1 {
			treat = 1
		}
	case pct >= 100:
		treat = treatmentLen + freeCount - (control - controlLen)
	default:
		treat = eligibleCount * pct / 100
		if treat < 1 {
			treat = 1
		}
	}
	if treat < treatmentLen {
		treat = treatmentLen
	}
	return control, treat
}

// Reserve marks accounts as owned by testID, failing if any account is
// already held by a different active test. Used when rebuilding state
// from storage at startup.
func (a *Allocator) Reserve(testID string, accounts []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, acct := range accounts {
		if owner, taken := a.reserved[acct]; taken && owner != testID {
			return utils.NewAppError("allocator.Reserve", utils.KindInvariant,
				fmt.Sprintf("account %s already reserved by test %s", acct, owner), nil)
		}
	}
	for _, acct := range accounts {
		a.reserved[acct] = testID
	}
	return nil
}

// Release frees every account held by testID. Called when a test
// reaches a terminal phase.
func (a *Allocator) Release(testID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for acct, owner := range a.reserved {
		if owner == testID {
			delete(a.reserved, acct)
		}
	}
}

// ReservedCount reports how many accounts are currently held by any
// active test.
func (a *Allocator) ReservedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

func accountRank(testID, account string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(testID))
	h.Write([]byte{0})
	h.Write([]byte(account))
	return h.Sum64()
}
