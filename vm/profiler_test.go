package vm

import (
	"sync"
	"testing"
)

func TestProfilerHotThreshold(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 3

	var hot []*FunctionProfile
	p.OnHot = func(f *FunctionProfile) { hot = append(hot, f) }

	for i := 0; i < 2; i++ {
		if p.RecordCall(10, "f") {
			t.Fatalf("call %d made f hot", i+1)
		}
	}
	if !p.RecordCall(10, "f") {
		t.Error("third call did not make f hot")
	}
	if p.RecordCall(10, "f") {
		t.Error("f became hot twice")
	}
	if !p.IsHot(10) || len(hot) != 1 || hot[0].Name != "f" {
		t.Errorf("hot = %v, IsHot = %v", hot, p.IsHot(10))
	}
	if p.IsHot(20) {
		t.Error("unknown function reported hot")
	}
}

func TestProfilerStatsAndTop(t *testing.T) {
	p := NewProfiler()
	for i := 0; i < 5; i++ {
		p.RecordCall(0, "a")
	}
	p.RecordCall(40, "b")
	p.RecordExternalCall(0, "sqrt")
	p.RecordExternalCall(0, "sqrt")
	p.RecordInstructions(100)
	p.RecordRun()

	stats := p.Stats()
	want := ProfilerStats{Functions: 2, Externals: 1, Calls: 6, ExternalCalls: 2, Instructions: 100, Runs: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	top := p.Top(2)
	if len(top) != 2 || top[0].Name != "a" || top[1].Name != "sqrt" || !top[1].External() {
		t.Errorf("top = %+v %+v", top[0], top[1])
	}

	p.Reset()
	if stats := p.Stats(); stats != (ProfilerStats{}) {
		t.Errorf("stats after reset = %+v", stats)
	}
	if p.Profile(0) != nil {
		t.Error("profile survives reset")
	}
}

func TestProfilerConcurrentCalls(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 500
	var hits int
	var mu sync.Mutex
	p.OnHot = func(*FunctionProfile) {
		mu.Lock()
		hits++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.RecordCall(7, "g")
			}
		}()
	}
	wg.Wait()

	if got := p.Profile(7).CallCount; got != 800 {
		t.Errorf("CallCount = %d, want 800", got)
	}
	if hits != 1 {
		t.Errorf("OnHot fired %d times, want 1", hits)
	}
}
