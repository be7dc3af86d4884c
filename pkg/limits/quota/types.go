package quota

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// UnboundedRemaining is reported by Reserve when enforcement is disabled
// and the owner has no pool.
const UnboundedRemaining int64 = math.MaxInt64

var (
	// ErrConcurrentUpdate is returned when a compare-and-swap keeps losing
	// to concurrent writers.
	ErrConcurrentUpdate = errors.New("quota: concurrent update")

	// ErrNotFound is returned when the owner has no pool for a provider.
	ErrNotFound = errors.New("quota: pool not found")

	// ErrInvalidAmount is returned for token amounts <= 0.
	ErrInvalidAmount = errors.New("quota: amount must be positive")

	// errStaleVersion signals a lost compare-and-swap inside one attempt.
	errStaleVersion = errors.New("quota: stale pool version")
)

// OwnerKind distinguishes user pools from organization pools.
type OwnerKind string

const (
	KindUser OwnerKind = "user"
	KindOrg  OwnerKind = "org"
)

// Owner identifies who a pool belongs to.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// UserOwner returns the owner for a user pool.
func UserOwner(id string) Owner {
	return Owner{Kind: KindUser, ID: id}
}

// OrgOwner returns the owner for an organization pool.
func OrgOwner(id string) Owner {
	return Owner{Kind: KindOrg, ID: id}
}

// Validate checks the owner kind and id.
func (o Owner) Validate() error {
	if o.Kind != KindUser && o.Kind != KindOrg {
		return fmt.Errorf("quota: unknown owner kind %q", o.Kind)
	}
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("quota: owner id cannot be empty")
	}
	return nil
}

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// Pool is a prepaid token balance for one owner and provider.
type Pool struct {
	Owner           Owner
	Provider        string
	TotalTokens     int64
	RemainingTokens int64

	// ResetTime is when RemainingTokens is next restored to TotalTokens.
	// Nil when no window has been applied yet.
	ResetTime *time.Time

	// Version increments on every write.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Allowed   bool
	Total     int64
	Remaining int64
}

func (p *Pool) addTokens(tokens int64, now time.Time) {
	p.TotalTokens += tokens
	p.RemainingTokens += tokens
	p.UpdatedAt = now
}

func (p *Pool) reserveTokens(tokens int64, now time.Time) {
	p.RemainingTokens -= tokens
	p.UpdatedAt = now
}

func (p *Pool) releaseTokens(tokens int64, now time.Time) {
	p.RemainingTokens = min(p.TotalTokens, p.RemainingTokens+tokens)
	p.UpdatedAt = now
}

// capRemaining lowers RemainingTokens to limit and reports whether it
// changed the pool. A limit <= 0 is ignored.
func (p *Pool) capRemaining(limit int64, now time.Time) bool {
	if limit <= 0 || p.RemainingTokens <= limit {
		return false
	}
	p.RemainingTokens = limit
	p.UpdatedAt = now
	return true
}

func (p *Pool) resetWindow(now time.Time, window time.Duration) {
	next := now.Add(window)
	p.RemainingTokens = p.TotalTokens
	p.ResetTime = &next
	p.UpdatedAt = now
}

// ensureResetTime sets a reset time if none exists and reports whether it
// changed the pool.
func (p *Pool) ensureResetTime(now time.Time, window time.Duration) bool {
	if p.ResetTime != nil {
		return false
	}
	next := now.Add(window)
	p.ResetTime = &next
	p.UpdatedAt = now
	return true
}
