package sandbox

import (
	"errors"
	"sync"
	"time"

	"github.com/nulzo/sermon-proxy/pkg/api"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Account is one subject's budget for the current month.
type Account struct {
	MonthKey        string
	TokensQuota     int
	TokensUsed      int
	BoostersBalance int
}

// Remaining mirrors the client's formula.
func (a Account) Remaining() int {
	left := a.TokensQuota - a.TokensUsed
	if left < 0 {
		left = 0
	}
	return left + a.BoostersBalance
}

// Ledger keeps per-subject balances. New subjects start with the default
// quota and boosters; usage resets when the month changes.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	quota    int
	boosters int
	now      func() time.Time
}

func NewLedger(quota, boosters int) *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		quota:    quota,
		boosters: boosters,
		now:      time.Now,
	}
}

func (l *Ledger) monthKey() string {
	return l.now().UTC().Format("2006-01")
}

// account must be called with l.mu held.
func (l *Ledger) account(subject string) *Account {
	month := l.monthKey()
	a, ok := l.accounts[subject]
	if !ok {
		a = &Account{MonthKey: month, TokensQuota: l.quota, BoostersBalance: l.boosters}
		l.accounts[subject] = a
	}
	if a.MonthKey != month {
		a.MonthKey = month
		a.TokensUsed = 0
	}
	return a
}

// Get returns a copy of subject's account, creating it if needed.
func (l *Ledger) Get(subject string) Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.account(subject)
}

// Set replaces subject's budget. The month key is always the current one.
func (l *Ledger) Set(subject string, a Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a.MonthKey = l.monthKey()
	l.accounts[subject] = &a
}

// AddBoosters tops up subject's booster balance.
func (l *Ledger) AddBoosters(subject string, n int) Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(subject)
	a.BoostersBalance += n
	return *a
}

// Charge deducts cost, drawing on the monthly quota before boosters.
// Nothing is deducted when the total remaining is too small.
func (l *Ledger) Charge(subject string, cost int) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(subject)
	if cost > a.Remaining() {
		return *a, ErrInsufficientBalance
	}

	quotaLeft := a.TokensQuota - a.TokensUsed
	if quotaLeft < 0 {
		quotaLeft = 0
	}
	fromQuota := cost
	if fromQuota > quotaLeft {
		fromQuota = quotaLeft
	}
	a.TokensUsed += fromQuota
	a.BoostersBalance -= cost - fromQuota
	return *a, nil
}

// Balance renders subject's account as a preflight response.
func (l *Ledger) Balance(subject string) api.Balance {
	a := l.Get(subject)
	month := a.MonthKey
	quota, used, boosters := a.TokensQuota, a.TokensUsed, a.BoostersBalance
	return api.Balance{
		MonthKey:        &month,
		TokensQuota:     &quota,
		TokensUsed:      &used,
		BoostersBalance: &boosters,
	}
}
