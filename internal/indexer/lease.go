package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
)

// ErrLeaseHeld is returned by Acquire when another owner holds an
// unexpired lease on the indexer.
var ErrLeaseHeld = errors.New("indexer: lease held by another owner")

// Lease records singleton ownership of one indexer identifier.
type Lease struct {
	Owner       string `json:"owner"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// LeaseManager grants time-bounded exclusive ownership of indexer
// identifiers, so at most one coordinator per identifier runs at a
// time across processes sharing the store. Owners renew within the TTL
// to keep the lease; a crashed owner's lease simply expires.
type LeaseManager struct {
	db *pebblestore.DB
}

// NewLeaseManager creates a LeaseManager over db.
func NewLeaseManager(db *pebblestore.DB) *LeaseManager {
	return &LeaseManager{db: db}
}

// Acquire takes the lease for indexer, failing with ErrLeaseHeld when
// a different owner holds it unexpired. Re-acquiring one's own lease
// extends it.
func (m *LeaseManager) Acquire(indexer, owner string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	key := keyLease(indexer)

	existing, err := m.db.Get(key)
	if err == nil && len(existing) > 0 {
		var cur Lease
		if json.Unmarshal(existing, &cur) == nil && cur.ExpiresAtMs > now && cur.Owner != owner {
			return fmt.Errorf("%w: %s until %d", ErrLeaseHeld, cur.Owner, cur.ExpiresAtMs)
		}
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}

	val, err := json.Marshal(Lease{Owner: owner, ExpiresAtMs: now + ttl.Milliseconds()})
	if err != nil {
		return err
	}
	return m.db.Set(key, val)
}

// Renew extends the lease for an owner that already holds it.
func (m *LeaseManager) Renew(indexer, owner string, ttl time.Duration) error {
	cur, err := m.load(indexer)
	if err != nil {
		return err
	}
	if cur == nil || cur.Owner != owner {
		return fmt.Errorf("%w: cannot renew", ErrLeaseHeld)
	}
	val, err := json.Marshal(Lease{Owner: owner, ExpiresAtMs: time.Now().UnixMilli() + ttl.Milliseconds()})
	if err != nil {
		return err
	}
	return m.db.Set(keyLease(indexer), val)
}

// Release drops the lease if owner holds it. Releasing a lease someone
// else took over is a no-op.
func (m *LeaseManager) Release(indexer, owner string) error {
	cur, err := m.load(indexer)
	if err != nil {
		return err
	}
	if cur == nil || cur.Owner != owner {
		return nil
	}
	return m.db.Delete(keyLease(indexer))
}

func (m *LeaseManager) load(indexer string) (*Lease, error) {
	val, err := m.db.Get(keyLease(indexer))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(val, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
