package miner

import (
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/pkg/errors"
)

// AddPool registers a pool. Stratum pools connect at once if the miner is
// running.
func (m *Miner) AddPool(cfg pool.Config) *pool.Pool {
	p := m.registry.AddPool(cfg)
	if p.Protocol() == pool.ProtocolStratum {
		m.mu.Lock()
		m.startSessionLocked(p)
		m.mu.Unlock()
	}
	m.sched.Kick()
	return p
}

// RemovePool removes a pool, closes its connection and drops its work.
func (m *Miner) RemovePool(id int) error {
	p, err := m.registry.RemovePool(id)
	if err != nil {
		return err
	}
	m.stopSession(p)
	m.longPoll.Stop(p)
	m.queue.DiscardPool(p)
	m.submitter.Forget(p)
	m.sched.Kick()
	return nil
}

// EnablePool re-enables a disabled or rejecting pool.
func (m *Miner) EnablePool(id int) error {
	if err := m.registry.EnablePool(id); err != nil {
		return err
	}
	m.sched.Kick()
	return nil
}

// DisablePool stops building work for a pool.
func (m *Miner) DisablePool(id int) error {
	return m.registry.DisablePool(id)
}

// SwitchPool makes id the current pool.
func (m *Miner) SwitchPool(id int) error {
	return m.registry.SwitchPool(id)
}

// SetPoolPriority changes a pool's failover priority.
func (m *Miner) SetPoolPriority(id, priority int) error {
	return m.registry.SetPoolPriority(id, priority)
}

// SetPoolQuota changes a pool's load-balance quota.
func (m *Miner) SetPoolQuota(id, quota int) error {
	return m.registry.SetPoolQuota(id, quota)
}

// SetStrategy changes the selection strategy by name.
func (m *Miner) SetStrategy(name string, rotate time.Duration) error {
	s, err := pool.ParseStrategy(name)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePolicy, "strategy", "invalid strategy")
	}
	if err := m.registry.SetStrategy(s, rotate); err != nil {
		return err
	}
	m.registry.Reevaluate()
	m.sched.Kick()
	return nil
}

// Pools lists the pools with their current state and counters.
func (m *Miner) Pools() []pool.Info {
	return m.registry.Infos()
}

// CurrentPool returns the pool work is currently built for.
func (m *Miner) CurrentPool() *pool.Pool {
	return m.registry.Current()
}
