package localstore

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Resilient layers a durable primary storage over an in-memory copy.
//
// A nil primary means durable storage is unavailable and values live in
// memory only. When the primary fails the error is logged and the call is
// served from memory; Degraded reports that this has happened.
type Resilient struct {
	primary  Storage
	memory   *MemoryStorage
	degraded atomic.Bool
}

func NewResilient(primary Storage) *Resilient {
	r := &Resilient{primary: primary, memory: NewMemoryStorage()}
	if primary == nil {
		log.Warn().Msg("durable local storage unavailable, keeping snapshots in memory only")
		r.degraded.Store(true)
	}
	return r
}

// Degraded reports whether the durable layer is missing or has failed.
func (r *Resilient) Degraded() bool {
	return r.degraded.Load()
}

func (r *Resilient) Get(key string) ([]byte, bool, error) {
	if r.primary != nil {
		value, ok, err := r.primary.Get(key)
		if err == nil {
			if ok {
				_ = r.memory.Set(key, value)
				return value, true, nil
			}
			return r.memory.Get(key)
		}
		r.fail("get", key, err)
	}
	return r.memory.Get(key)
}

func (r *Resilient) Set(key string, value []byte) error {
	_ = r.memory.Set(key, value)
	if r.primary != nil {
		if err := r.primary.Set(key, value); err != nil {
			r.fail("set", key, err)
		}
	}
	return nil
}

func (r *Resilient) Delete(key string) error {
	_ = r.memory.Delete(key)
	if r.primary != nil {
		if err := r.primary.Delete(key); err != nil {
			r.fail("delete", key, err)
		}
	}
	return nil
}

func (r *Resilient) fail(op, key string, err error) {
	r.degraded.Store(true)
	log.Warn().
		Err(err).
		Str("op", op).
		Str("key", key).
		Msg("local storage failed, continuing from memory")
}
