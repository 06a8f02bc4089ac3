package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Profile switching is derived from https://github.com/zeromicro/go-zero
// @copyright original authors.

const (
	// DefaultMemProfileRate is the default memory profiling rate.
	// See also http://golang.org/pkg/runtime/#pkg-variables
	DefaultMemProfileRate = 4096

	timeFormat       = "20060102_150405"
	goroutineProfile = "goroutine"
	debugLevel       = 2
)

// profileKind either streams into the dump file while enabled (cpu, trace) or
// writes a pprof snapshot when stopped.
type profileKind struct {
	name string

	// streaming profiles
	start func(w io.Writer) error
	stop  func()

	// snapshot profiles
	lookup  string
	enable  func() func()
	noExist bool
}

var profileKinds = []profileKind{
	{name: "cpu", start: pprof.StartCPUProfile, stop: pprof.StopCPUProfile},
	{name: "mem", lookup: "heap", enable: func() func() {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = DefaultMemProfileRate
		return func() { runtime.MemProfileRate = old }
	}},
	{name: "mutex", lookup: "mutex", noExist: true, enable: func() func() {
		runtime.SetMutexProfileFraction(1)
		return func() { runtime.SetMutexProfileFraction(0) }
	}},
	{name: "block", lookup: "block", enable: func() func() {
		runtime.SetBlockProfileRate(1)
		return func() { runtime.SetBlockProfileRate(0) }
	}},
	{name: "trace", start: trace.Start, stop: trace.Stop},
	{name: "threadcreate", lookup: "threadcreate", noExist: true},
}

// ProfileKinds are the profiles StartProfiler knows, in start order.
var ProfileKinds = func() []string {
	names := make([]string, 0, len(profileKinds))
	for _, k := range profileKinds {
		names = append(names, k.name)
	}
	return names
}()

// started is non zero if a profile is running.
var started uint32

// Profiler represents an active profiling session.
type Profiler struct {
	dataDir string

	// closers run in start order on Stop.
	closers []func()

	// stopped records if a call to profile.Stop has been made
	stopped uint32
}

func (p *Profiler) start(k profileKind) {
	fn := p.createDumpFile(k.name)
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", k.name, fn, err)
		return
	}

	if k.start != nil {
		if err := k.start(f); err != nil {
			f.Close()
			glog.Errorf("pprof: could not start %s profile: %v", k.name, err)
			return
		}
		glog.Infof("pprof: %s profiling enabled, %s", k.name, fn)
		p.closers = append(p.closers, func() {
			k.stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", k.name, fn)
		})
		return
	}

	restore := func() {}
	if k.enable != nil {
		restore = k.enable()
	}
	glog.Infof("pprof: %s profiling enabled, %s", k.name, fn)
	p.closers = append(p.closers, func() {
		if prof := pprof.Lookup(k.lookup); prof != nil {
			if err := prof.WriteTo(f, 0); err != nil {
				glog.Errorf("pprof: write %s profile: %v", k.name, err)
			}
		} else if !k.noExist {
			glog.Errorf("pprof: no %s profile", k.lookup)
		}
		f.Close()
		restore()
		glog.Infof("pprof: %s profiling disabled, %s", k.name, fn)
	})
}

// Stop stops the profile and flushes any unwritten data.
func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		// someone has already called close
		return
	}
	for _, closer := range p.closers {
		closer()
	}
	atomic.StoreUint32(&started, 0)
}

// StartProfiler starts a new profiling session of the given kinds; empty
// kinds means all of ProfileKinds. Unknown kinds are logged and skipped.
// It returns nil if a profiler is already running.
func StartProfiler(dataDir string, kinds []string) *Profiler {
	if !atomic.CompareAndSwapUint32(&started, 0, 1) {
		glog.Errorf("pprof: profiler is already running")
		return nil
	}

	prof := &Profiler{dataDir: dataDir}
	if len(kinds) == 0 {
		kinds = ProfileKinds
	}
	for _, name := range kinds {
		if k, ok := findProfileKind(name); ok {
			prof.start(k)
		} else {
			glog.Errorf("pprof: unknown profile kind %q, expect one of %v", name, ProfileKinds)
		}
	}
	return prof
}

func findProfileKind(name string) (profileKind, bool) {
	for _, k := range profileKinds {
		if k.name == name {
			return k, true
		}
	}
	return profileKind{}, false
}

// validateProfileKinds reports the first kind that is not in ProfileKinds.
func validateProfileKinds(kinds []string) error {
	for _, name := range kinds {
		if _, ok := findProfileKind(name); !ok {
			return fmt.Errorf("unknown profile kind %q, expect one of %v", name, ProfileKinds)
		}
	}
	return nil
}

func (p *Profiler) createDumpFile(kind string) string {
	return path.Join(p.dataDir, fmt.Sprintf("%s-%s.pprof", kind, time.Now().Format(timeFormat)))
}

// dumpGoroutines does not need a running profiler.
func dumpGoroutines(dataDir string) {
	dumpFile := path.Join(dataDir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(timeFormat)))
	glog.Infof("Got dump goroutine signal, dumping goroutine profile to %s", dumpFile)
	f, err := os.Create(dumpFile)
	if err != nil {
		glog.Errorf("Failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup(goroutineProfile).WriteTo(f, debugLevel); err != nil {
		glog.Errorf("Failed to write goroutine profile to %s, error: %v", dumpFile, err)
	}
}
