package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/uuid"
)

const keyPrefix = "weather:lock:"

// Memcached takes a cross-replica lease with memcache Add, which only succeeds
// when the key is absent. The lease expires after leaseTTL so a crashed holder
// cannot block a location forever. A Local lock is taken first so in-process
// contention never reaches memcached.
type Memcached struct {
	client       *memcache.Client
	local        *Local
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// MemcachedConfig configures the lease client.
type MemcachedConfig struct {
	Addrs        string // comma-separated host:port list
	Timeout      time.Duration
	MaxIdleConns int
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// NewMemcached creates a Memcached locker. Unset fields use package defaults.
func NewMemcached(cfg MemcachedConfig) *Memcached {
	servers := parseAddrs(cfg.Addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	if cfg.MaxIdleConns > 0 {
		client.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.LeaseTTL < time.Second {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Memcached{
		client:       client,
		local:        NewLocal(),
		leaseTTL:     cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
	}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// leaseKey hashes key since location names contain spaces, which memcached rejects.
func leaseKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:16])
}

// Lock acquires the local lock and then the memcached lease for key.
func (m *Memcached) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := m.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	item := &memcache.Item{
		Key:        leaseKey(key),
		Value:      []byte(token),
		Expiration: int32(m.leaseTTL / time.Second),
	}

	wait := m.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			unlockLocal()
			return nil, err
		}
		err := m.client.Add(item)
		if err == nil {
			break
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			unlockLocal()
			return nil, fmt.Errorf("acquire lease for %q: %w", key, err)
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}

	return func() {
		m.release(item.Key, token)
		unlockLocal()
	}, nil
}

// release deletes the lease only while this holder still owns it.
// Releasing after the TTL expired must not drop another replica's lease.
func (m *Memcached) release(leaseKey, token string) {
	it, err := m.client.Get(leaseKey)
	if err != nil || string(it.Value) != token {
		return
	}
	_ = m.client.Delete(leaseKey)
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *Memcached) Ping() error {
	return m.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (m *Memcached) Close() error {
	return m.client.Close()
}
