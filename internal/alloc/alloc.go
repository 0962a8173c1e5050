// Package alloc implements the AllocModel (C2): per-resource allocation
// parameters (min, max, shares, limit, hardMax, units), their
// normalization from user-facing sentinels into plain integers, and the
// admission checks performed when a group is reparented.
//
// Grounded on the teacher's pkg/resourcecontrol (cgroup resource
// description) and virtcontainers/hypervisor.go's HypervisorConfig unit
// handling style (sentinel-valued config fields resolved at a later
// normalization step).
package alloc

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

var allocLog = logrus.WithField("subsystem", "alloc")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := allocLog.Data
	allocLog = logger.WithFields(fields)
}

// Units identifies the unit a resource quantity is expressed in.
type Units int

const (
	UnitsInvalid Units = iota
	UnitsPercent
	UnitsMhz
	UnitsBShares
	UnitsMB
	UnitsPages
)

func (u Units) String() string {
	switch u {
	case UnitsPercent:
		return "percent"
	case UnitsMhz:
		return "mhz"
	case UnitsBShares:
		return "bshares"
	case UnitsMB:
		return "mb"
	case UnitsPages:
		return "pages"
	default:
		return "invalid"
	}
}

// ShareLevel is the sentinel form of "shares" accepted on input; it is
// resolved to an integer bshares count at normalization time and never
// appears in a normalized AllocBlock.
type ShareLevel int

const (
	// SharesCustom means Shares already carries a resolved integer.
	SharesCustom ShareLevel = iota
	SharesLow
	SharesNormal
	SharesHigh
)

// Per-vcpu bshares constants used to resolve {low,normal,high}. These
// mirror SCHED_SHARES_LOW/NORMAL/HIGH in the original ESX scheduler.
const (
	bsharesPerVcpuLow    = 500
	bsharesPerVcpuNormal = 1000
	bsharesPerVcpuHigh   = 2000
)

// NoMax is the sentinel meaning "no upper bound" once normalized.
const NoMax = -1

// RawBlock is the as-configured, pre-normalization form of an
// allocation: min/max may be negative (meaning "total + value + 1"),
// and Shares may name a ShareLevel instead of an integer.
type RawBlock struct {
	Min        int64
	Max        int64
	ShareLevel ShareLevel
	Shares     int64 // used only when ShareLevel == SharesCustom
	MinLimit   int64
	HardMax    int64
	Units      Units
}

// Block is a fully normalized AllocBlock: every field is a concrete
// non-negative integer (Max == NoMax meaning unbounded), ready to drive
// admission checks and scheduling math. It carries no sentinels.
type Block struct {
	Min      int64
	Max      int64 // NoMax if unbounded
	Shares   int64 // always a resolved integer, never a ShareLevel
	MinLimit int64
	HardMax  int64
	Units    Units
}

// Normalize resolves sentinel min/max (negative meaning "total + value +
// 1") and share levels (low/normal/high, resolved proportionally to
// nVcpus) into a Block. total is the enclosing capacity in the same
// Units (e.g. 100 * nPCPUs for percent, or total memory pages).
func Normalize(raw RawBlock, total int64, nVcpus int) Block {
	b := Block{
		Units:    raw.Units,
		MinLimit: raw.MinLimit,
		HardMax:  raw.HardMax,
	}

	b.Min = resolveSentinel(raw.Min, total)
	if b.Min < 0 {
		b.Min = 0
	}

	if raw.Max < 0 {
		resolved := resolveSentinel(raw.Max, total)
		if resolved < 0 {
			b.Max = NoMax
		} else {
			b.Max = resolved
		}
	} else {
		b.Max = raw.Max
	}

	if nVcpus <= 0 {
		nVcpus = 1
	}
	switch raw.ShareLevel {
	case SharesLow:
		b.Shares = int64(nVcpus) * bsharesPerVcpuLow
	case SharesNormal:
		b.Shares = int64(nVcpus) * bsharesPerVcpuNormal
	case SharesHigh:
		b.Shares = int64(nVcpus) * bsharesPerVcpuHigh
	default:
		b.Shares = raw.Shares
	}

	return b
}

// resolveSentinel implements "total + value + 1" for a negative input,
// matching the predefined-group table convention documented in
// original_source/sched/sched.c: a negative min/max means "system total,
// minus the magnitude, plus one", so -1 means the whole total. A result
// below zero clamps to 0.
func resolveSentinel(v, total int64) int64 {
	if v >= 0 {
		return v
	}
	resolved := total + v + 1
	if resolved < 0 {
		return 0
	}
	return resolved
}

// EffectiveMax returns the admission ceiling for a group: the
// min-of(Max, HardMax) treating NoMax/0 hardMax as unbounded.
func (b Block) EffectiveMax(total int64) int64 {
	max := b.Max
	if max == NoMax {
		max = total
	}
	if b.HardMax > 0 && b.HardMax < max {
		max = b.HardMax
	}
	return max
}

// BaseSharesToUnits converts a normalized bshares count to the
// requested reporting unit. This conversion is for informational
// display only (procfs/CLI reports); it must never be called from the
// cell scheduler's dispatch comparator, matching cpusched.h's
// "for informational display only" note on the original conversion
// routine.
func BaseSharesToUnits(bshares int64, totalBShares int64, capacityInUnits int64) int64 {
	if totalBShares <= 0 {
		return 0
	}
	return bshares * capacityInUnits / totalBShares
}

// AdmitReparent checks whether subjectMin plus the aggregated min of
// subject's prospective siblings fits within newParentCapacity. It is
// used identically by the CPU sub-model (percent/mhz units) and the
// memory sub-model (pages units); admission is atomic with the tree
// move under the caller's tree lock.
func AdmitReparent(subjectMin, siblingsAggregateMin, newParentCapacity int64) error {
	if subjectMin+siblingsAggregateMin > newParentCapacity {
		allocLog.WithFields(logrus.Fields{
			"subjectMin":            subjectMin,
			"siblingsAggregateMin":  siblingsAggregateMin,
			"newParentCapacity":     newParentCapacity,
		}).Debug("admission rejected: reservation would exceed parent capacity")
		return errors.Wrapf(vmkerrors.ErrLimitExceeded,
			"reservation %d (siblings %d) exceeds parent capacity %d",
			subjectMin, siblingsAggregateMin, newParentCapacity)
	}
	return nil
}

// AffinityNone is the sentinel CpuMask value meaning "no constraint";
// it is substituted for an all-zero mask at normalization time.
const AffinityNone uint64 = ^uint64(0)

// NormalizeAffinity substitutes AffinityNone for a zero mask.
func NormalizeAffinity(mask uint64) uint64 {
	if mask == 0 {
		return AffinityNone
	}
	return mask
}
