package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts calls per function entry point so hosts can spot hot
// code. Counting is lock-free; profiles are created on first call.

// FunctionProfile holds profiling data for one call target.
type FunctionProfile struct {
	EntryIP    int
	Name       string // from debug info, if any
	CallCount  uint64 // atomic
	IsHot      bool
	hotOnce    sync.Once
	externalFn bool
}

// Profiler manages call profiles for a VM.
type Profiler struct {
	profiles sync.Map // entry IP -> *FunctionProfile
	externs  sync.Map // external index -> *FunctionProfile

	// HotThreshold is the call count at which a function becomes hot.
	HotThreshold uint64

	// OnHot is called once per function when it crosses HotThreshold.
	OnHot func(profile *FunctionProfile)

	hotCount     uint64
	runs         uint64
	instructions uint64
}

// NewProfiler creates a profiler with a default threshold of 100 calls.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

func (p *Profiler) record(m *sync.Map, key int, name string, external bool) bool {
	val, _ := m.LoadOrStore(key, &FunctionProfile{EntryIP: key, Name: name, externalFn: external})
	profile := val.(*FunctionProfile)

	count := atomic.AddUint64(&profile.CallCount, 1)
	if count < p.HotThreshold {
		return false
	}
	became := false
	profile.hotOnce.Do(func() {
		profile.IsHot = true
		became = true
		atomic.AddUint64(&p.hotCount, 1)
		if p.OnHot != nil {
			p.OnHot(profile)
		}
	})
	return became
}

// RecordCall counts a CALL or ICALL to entryIP. Returns true if this call
// made the function hot.
func (p *Profiler) RecordCall(entryIP int, name string) bool {
	return p.record(&p.profiles, entryIP, name, false)
}

// RecordExternalCall counts an ECALL of the external at index.
func (p *Profiler) RecordExternalCall(index int, name string) bool {
	return p.record(&p.externs, index, name, true)
}

// RecordInstructions adds n executed instructions.
func (p *Profiler) RecordInstructions(n uint64) {
	atomic.AddUint64(&p.instructions, n)
}

// RecordRun counts a completed Run.
func (p *Profiler) RecordRun() {
	atomic.AddUint64(&p.runs, 1)
}

// Profile returns the profile for a function entry, or nil.
func (p *Profiler) Profile(entryIP int) *FunctionProfile {
	if val, ok := p.profiles.Load(entryIP); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot reports whether the function at entryIP crossed the threshold.
func (p *Profiler) IsHot(entryIP int) bool {
	profile := p.Profile(entryIP)
	return profile != nil && profile.IsHot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions     int
	Externals     int
	HotFunctions  int
	Calls         uint64
	ExternalCalls uint64
	Instructions  uint64
	Runs          uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Functions++
		stats.Calls += atomic.LoadUint64(&profile.CallCount)
		return true
	})
	p.externs.Range(func(_, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Externals++
		stats.ExternalCalls += atomic.LoadUint64(&profile.CallCount)
		return true
	})
	stats.HotFunctions = int(atomic.LoadUint64(&p.hotCount))
	stats.Instructions = atomic.LoadUint64(&p.instructions)
	stats.Runs = atomic.LoadUint64(&p.runs)
	return stats
}

// Top returns the n most called functions, most called first. Externals
// are included.
func (p *Profiler) Top(n int) []*FunctionProfile {
	var all []*FunctionProfile
	collect := func(_, value any) bool {
		all = append(all, value.(*FunctionProfile))
		return true
	}
	p.profiles.Range(collect)
	p.externs.Range(collect)

	sort.Slice(all, func(i, j int) bool {
		ci, cj := atomic.LoadUint64(&all[i].CallCount), atomic.LoadUint64(&all[j].CallCount)
		if ci != cj {
			return ci > cj
		}
		return all[i].EntryIP < all[j].EntryIP
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// External reports whether the profile belongs to an external function.
func (f *FunctionProfile) External() bool { return f.externalFn }

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Clear()
	p.externs.Clear()
	atomic.StoreUint64(&p.hotCount, 0)
	atomic.StoreUint64(&p.runs, 0)
	atomic.StoreUint64(&p.instructions, 0)
}
