package toolclient

import (
	"sync"
	"time"
)

// CooldownConfig spaces out respawn attempts for a server whose connects
// keep failing. The wait starts at Initial and grows by Multiplier per
// consecutive failure, up to Max.
type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

type cooldownState struct {
	failures int
	until    time.Time
}

type cooldownTracker struct {
	config CooldownConfig
	now    func() time.Time

	mu     sync.Mutex
	byName map[string]*cooldownState
}

func newCooldownTracker(cfg CooldownConfig) *cooldownTracker {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &cooldownTracker{config: cfg, now: time.Now, byName: make(map[string]*cooldownState)}
}

// failed records a failed connect and returns the wait before the next.
func (ct *cooldownTracker) failed(name string) time.Duration {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	st, ok := ct.byName[name]
	if !ok {
		st = &cooldownState{}
		ct.byName[name] = st
	}
	st.failures++
	d := ct.duration(st.failures)
	st.until = ct.now().Add(d)
	return d
}

func (ct *cooldownTracker) reset(name string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.byName, name)
}

// remaining is how long name must still wait; zero when it may connect.
func (ct *cooldownTracker) remaining(name string) time.Duration {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	st, ok := ct.byName[name]
	if !ok {
		return 0
	}
	if d := st.until.Sub(ct.now()); d > 0 {
		return d
	}
	return 0
}

func (ct *cooldownTracker) duration(failures int) time.Duration {
	d := ct.config.Initial
	for i := 1; i < failures; i++ {
		d *= time.Duration(ct.config.Multiplier)
		if d > ct.config.Max {
			return ct.config.Max
		}
	}
	return d
}
