package extract

import (
	"github.com/xcellparts/scraper/internal/metrics"
	"github.com/xcellparts/scraper/internal/scrape"
)

// Outcome is the decision after one extraction attempt on a product.
type Outcome int

// Attempt outcomes.
const (
	// OutcomeAccept keeps the result, even an empty one once the empty
	// budget is spent.
	OutcomeAccept Outcome = iota
	// OutcomeRetryEmpty re-runs discovery after a rendered-but-empty page.
	OutcomeRetryEmpty
	// OutcomeRetryError re-runs discovery after a recoverable page error.
	OutcomeRetryError
	// OutcomeRecoverSession restarts the browser before retrying.
	OutcomeRecoverSession
	// OutcomeGiveUp records the product with no images and moves on.
	OutcomeGiveUp
	// OutcomeAbort fails the whole job; the browser is gone and recovery
	// is exhausted.
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccept:
		return "accept"
	case OutcomeRetryEmpty:
		return "retry_empty"
	case OutcomeRetryError:
		return "retry_error"
	case OutcomeRecoverSession:
		return "recover_session"
	case OutcomeGiveUp:
		return "give_up"
	case OutcomeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Budget sets the independent retry allowances for one product. Empty-result
// retries, error retries, and session recoveries draw from separate pools so
// a flaky page cannot burn the crash-recovery allowance.
type Budget struct {
	EmptyRetries   int
	ErrorRetries   int
	SessionRetries int
}

// Attempt tracks retry spending for a single product. Zero value is unusable;
// construct with NewAttempt.
type Attempt struct {
	budget      Budget
	emptyUsed   int
	errorUsed   int
	sessionUsed int
}

// NewAttempt returns a fresh tracker with the given budget.
func NewAttempt(budget Budget) *Attempt {
	return &Attempt{budget: budget}
}

// Decide classifies the result of one extraction pass and spends the
// matching budget when a retry is warranted.
func (a *Attempt) Decide(imageCount int, err error) Outcome {
	switch {
	case err == nil && imageCount > 0:
		return OutcomeAccept

	case err == nil:
		if a.emptyUsed < a.budget.EmptyRetries {
			a.emptyUsed++
			metrics.ExtractionRetry("empty")
			return OutcomeRetryEmpty
		}
		return OutcomeAccept

	case scrape.IsSessionLost(err):
		if a.sessionUsed < a.budget.SessionRetries {
			a.sessionUsed++
			metrics.ExtractionRetry("session")
			return OutcomeRecoverSession
		}
		return OutcomeAbort

	default:
		if a.errorUsed < a.budget.ErrorRetries {
			a.errorUsed++
			metrics.ExtractionRetry("error")
			return OutcomeRetryError
		}
		return OutcomeGiveUp
	}
}

// Spent reports how much of each budget has been used.
func (a *Attempt) Spent() (empty, errs, session int) {
	return a.emptyUsed, a.errorUsed, a.sessionUsed
}
