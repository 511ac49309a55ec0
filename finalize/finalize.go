/*Package finalize performs post-shot file bookkeeping.

Cameras and spectrometers drop output files into a shared directory on
their own schedule after a shot.  For each expected token (a filename
substring identifying the instrument), the finalizer picks the most
recently modified unclaimed file containing that token, waits for its size
to hold still across a debounce window, and renames it into the canonical
shot naming scheme.  A directory watcher wakes the scanner early; the
periodic rescan is the fallback, so a missed notification only costs
latency, never a file.
*/
package finalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/hilab/pmctl/event"
)

// Config tunes the stability detection.
type Config struct {
	// Debounce is how long a candidate's size must hold still.
	Debounce time.Duration
	// Sample is the rescan cadence.
	Sample time.Duration
	// Timeout bounds the whole job; tokens unresolved at timeout are
	// reported individually and left untouched.
	Timeout time.Duration
}

// WithDefaults fills zero fields with the lab defaults.
func (c Config) WithDefaults() Config {
	if c.Debounce == 0 {
		c.Debounce = 300 * time.Millisecond
	}
	if c.Sample == 0 {
		c.Sample = 200 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Renamed is one (old, new) rename performed by a job.
type Renamed struct {
	Old string
	New string
}

// Finalizer runs shot-file jobs.  Safe for use from any goroutine; each
// job is self-contained.
type Finalizer struct {
	cfg Config
	bus *event.Bus
	log logrus.FieldLogger
}

// New returns a Finalizer.
func New(cfg Config, bus *event.Bus, log logrus.FieldLogger) *Finalizer {
	return &Finalizer{cfg: cfg.WithDefaults(), bus: bus, log: log}
}

// candidate is the per-token claim being debounced.
type candidate struct {
	path        string
	modTime     time.Time
	size        int64
	stableSince time.Time
}

// Finalize runs one job: dir is scanned for one file per token, each is
// renamed once stable, and processed is updated in place with both the old
// and new paths so later shots never re-claim a file.  ts is the canonical
// shot time used in the new names (the fire controller's shot-completion
// timestamp, preferred over wall clock so every file of one shot agrees).
// It returns the renames performed and the tokens left unresolved.
func (f *Finalizer) Finalize(ctx context.Context, dir string, tokens []string, shot int, experiment string, ts time.Time, processed map[string]struct{}) ([]Renamed, []string) {
	deadline := time.Now().Add(f.cfg.Timeout)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(dir); werr != nil {
			watcher.Close()
			watcher = nil
			f.log.Warnf("finalize: watch %s failed, polling only: %v", dir, werr)
		}
	} else {
		watcher = nil
		f.log.Warnf("finalize: fsnotify unavailable, polling only: %v", err)
	}
	if watcher != nil {
		defer watcher.Close()
	}

	var (
		renamed  []Renamed
		resolved = make(map[string]struct{}, len(tokens))
		claims   = make(map[string]*candidate, len(tokens))
		claimed  = make(map[string]string) // path -> token, within this job
	)

	scan := func() {
		now := time.Now()
		entries, err := os.ReadDir(dir)
		if err != nil {
			f.log.Warnf("finalize: reading %s: %v", dir, err)
			return
		}
		for _, token := range tokens {
			if _, done := resolved[token]; done {
				continue
			}
			best := f.pickCandidate(entries, dir, token, processed, claimed)
			cur := claims[token]
			if best == nil {
				continue
			}
			if cur == nil || cur.path != best.path {
				// new or superseding candidate; start its debounce fresh
				if cur != nil {
					delete(claimed, cur.path)
				}
				best.stableSince = now
				claims[token] = best
				claimed[best.path] = token
				continue
			}
			if best.size != cur.size {
				cur.size = best.size
				cur.stableSince = now
				continue
			}
			if now.Sub(cur.stableSince) < f.cfg.Debounce {
				continue
			}
			pair, err := f.rename(cur.path, dir, experiment, shot, ts, token)
			if err != nil {
				f.errorf("finalize: renaming %s: %v", cur.path, err)
				continue
			}
			processed[pair.Old] = struct{}{}
			processed[pair.New] = struct{}{}
			resolved[token] = struct{}{}
			renamed = append(renamed, pair)
			f.bus.Publish(event.Event{
				Kind: event.KindRename,
				Time: now,
				Shot: shot,
				Old:  pair.Old,
				New:  pair.New,
			})
		}
	}

	ticker := time.NewTicker(f.cfg.Sample)
	defer ticker.Stop()
	scan()
	for len(resolved) < len(tokens) {
		var wake <-chan fsnotify.Event
		var werrs <-chan error
		if watcher != nil {
			wake = watcher.Events
			werrs = watcher.Errors
		}
		select {
		case <-ticker.C:
			scan()
		case <-wake:
			scan()
		case werr := <-werrs:
			// keep the watcher drained; the poll ticker covers any
			// notifications it drops
			f.log.Warnf("finalize: watcher: %v", werr)
		case <-ctx.Done():
			f.errorf("finalize: shot %d canceled: %v", shot, ctx.Err())
			return renamed, f.unresolved(tokens, resolved)
		case <-time.After(time.Until(deadline)):
			un := f.unresolved(tokens, resolved)
			for _, token := range un {
				f.errorf("finalize: shot %d: no stable file for %q within %s", shot, token, f.cfg.Timeout)
			}
			return renamed, un
		}
		if time.Now().After(deadline) {
			break
		}
	}
	un := f.unresolved(tokens, resolved)
	for _, token := range un {
		f.errorf("finalize: shot %d: no stable file for %q within %s", shot, token, f.cfg.Timeout)
	}
	return renamed, un
}

// pickCandidate returns the most recently modified unclaimed file in dir
// whose name contains token, or nil.
func (f *Finalizer) pickCandidate(entries []os.DirEntry, dir, token string, processed map[string]struct{}, claimed map[string]string) *candidate {
	var best *candidate
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), token) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, used := processed[path]; used {
			continue
		}
		if owner, used := claimed[path]; used && owner != token {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == nil || info.ModTime().After(best.modTime) {
			best = &candidate{path: path, modTime: info.ModTime(), size: info.Size()}
		}
	}
	return best
}

// rename moves old into the canonical shot name, appending _dup while the
// target exists.
func (f *Finalizer) rename(old, dir, experiment string, shot int, ts time.Time, token string) (Renamed, error) {
	ext := filepath.Ext(old)
	stamp := ts.Format("20060102") + "_" + ts.Format("150405") + fmt.Sprintf("%03d", ts.Nanosecond()/1e6)
	base := fmt.Sprintf("%s_Shot%05d_%s_%s_0", experiment, shot, stamp, token)
	target := filepath.Join(dir, base+ext)
	for {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		base += "_dup"
		target = filepath.Join(dir, base+ext)
	}
	if err := os.Rename(old, target); err != nil {
		return Renamed{}, err
	}
	f.log.Infof("finalize: %s -> %s", filepath.Base(old), filepath.Base(target))
	return Renamed{Old: old, New: target}, nil
}

func (f *Finalizer) unresolved(tokens []string, resolved map[string]struct{}) []string {
	var out []string
	for _, t := range tokens {
		if _, ok := resolved[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (f *Finalizer) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	f.log.Error(msg)
	f.bus.Publish(event.Error(msg))
}
