// Package vatomic implements the versioned single-writer/many-reader
// snapshot protocol used throughout the scheduler (spec.md invariant 8):
// a writer bumps a sequence counter to odd, publishes new field values,
// then bumps the counter to even; a reader retries its read whenever it
// observes an odd counter or the counter changed mid-read. This gives
// readers a consistent snapshot without ever blocking the writer, the
// same trick the original cpusched.h calls out for per-vcpu charge
// counters read by procfs/stats code while the cell lock is held by
// someone else entirely.
//
// Grounded on the teacher's atomic-counter idioms in
// virtcontainers/pkg/cgroups stats readers (retry-on-change sampling of
// live counters) generalized to the explicit Lamport sequence form the
// original scheduler documents.
package vatomic

import "sync/atomic"

// Versioned64 holds a uint64 value guarded by a sequence counter. The
// zero value is ready to use (value 0, sequence 0/even).
type Versioned64 struct {
	seq   uint64
	value uint64
}

// Store publishes a new value. Only ever called by the single writer
// (typically the cell holding the per-cpu scheduler lock).
func (v *Versioned64) Store(val uint64) {
	atomic.AddUint64(&v.seq, 1) // now odd: a read in progress must retry
	atomic.StoreUint64(&v.value, val)
	atomic.AddUint64(&v.seq, 1) // now even: safe to read
}

// Load returns a consistent snapshot, retrying while a write is in
// flight. Safe for any number of concurrent readers.
func (v *Versioned64) Load() uint64 {
	for {
		s1 := atomic.LoadUint64(&v.seq)
		if s1&1 != 0 {
			continue
		}
		val := atomic.LoadUint64(&v.value)
		s2 := atomic.LoadUint64(&v.seq)
		if s1 == s2 {
			return val
		}
	}
}

// Pair holds two related uint64 fields (e.g. chargeStart and
// chargeCyclesTotal) published and read together as one snapshot, so a
// reader never observes one field from before a writer's update and the
// other from after.
type Pair struct {
	seq uint64
	a   uint64
	b   uint64
}

func (p *Pair) Store(a, b uint64) {
	atomic.AddUint64(&p.seq, 1)
	atomic.StoreUint64(&p.a, a)
	atomic.StoreUint64(&p.b, b)
	atomic.AddUint64(&p.seq, 1)
}

func (p *Pair) Load() (a, b uint64) {
	for {
		s1 := atomic.LoadUint64(&p.seq)
		if s1&1 != 0 {
			continue
		}
		a = atomic.LoadUint64(&p.a)
		b = atomic.LoadUint64(&p.b)
		s2 := atomic.LoadUint64(&p.seq)
		if s1 == s2 {
			return a, b
		}
	}
}
