package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/coff33ninja/lanrage/internal/config"
	"github.com/coff33ninja/lanrage/internal/party"
	"github.com/coff33ninja/lanrage/internal/persist"
)

// Local is the file-backed control plane for same-host rendezvous. It is the
// membership core plus a shared discovery file: every announcement is
// mirrored into discovery.json, and other local processes pick parties up by
// reading the same file. No broadcast or multicast is involved.
type Local struct {
	*Membership
	discoveryPath string

	dmu     sync.Mutex
	cache   map[string]*party.PartyInfo // last discovery.json contents
	dirty   bool                        // cache needs a re-read
	watcher *fsnotify.Watcher
	watchCh chan struct{}
}

// NewLocal builds the local variant from configuration.
func NewLocal(cfg config.Config) *Local {
	l := &Local{
		Membership:    NewMembership(cfg.StateFile(), cfg.StaleTTL(), cfg.ReaperInterval()),
		discoveryPath: cfg.DiscoveryFile(),
		dirty:         true,
	}
	l.Membership.onChange = l.mirror
	return l
}

// Initialize starts the membership core and, best effort, an fsnotify
// watcher on the discovery file so DiscoverParties can serve a cached view
// between changes. Watcher failure logs a warning and degrades to
// re-reading the file on every call.
func (l *Local) Initialize(ctx context.Context) error {
	if err := l.Membership.Initialize(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.discoveryPath), 0755); err != nil {
		log.Printf("control: Warning: discovery dir: %v", err)
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("control: Warning: fsnotify unavailable (%v) — discovery falls back to polling reads", err)
		return nil
	}
	// Watch the directory, not the file: atomic renames replace the inode.
	if err := w.Add(filepath.Dir(l.discoveryPath)); err != nil {
		log.Printf("control: Warning: watch discovery dir: %v", err)
		w.Close()
		return nil
	}
	l.watcher = w
	l.watchCh = make(chan struct{})
	go l.watchLoop()
	return nil
}

// Shutdown stops the watcher, then the core.
func (l *Local) Shutdown(ctx context.Context) error {
	if l.watcher != nil {
		close(l.watchCh)
		l.watcher.Close()
	}
	return l.Membership.Shutdown(ctx)
}

// DiscoverParties returns every party currently advertised in the shared
// discovery file, ordered by creation time.
func (l *Local) DiscoverParties(ctx context.Context) ([]*party.PartyInfo, error) {
	l.dmu.Lock()
	defer l.dmu.Unlock()
	if l.dirty || l.watcher == nil {
		l.cache = readDiscoveryFile(l.discoveryPath)
		l.dirty = false
	}
	out := make([]*party.PartyInfo, 0, len(l.cache))
	for _, pt := range l.cache {
		out = append(out, pt.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// mirror reflects one party's membership change into discovery.json using a
// read-merge-write so announcements from other processes survive. snapshot
// is nil when the party was deleted.
func (l *Local) mirror(partyID string, snapshot *party.PartyInfo) {
	l.dmu.Lock()
	defer l.dmu.Unlock()

	entries := readDiscoveryFile(l.discoveryPath)
	if snapshot == nil {
		delete(entries, partyID)
	} else {
		entries[partyID] = snapshot
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.Printf("control: Warning: discovery marshal: %v", err)
		return
	}
	if err := persist.WriteFileAtomic(l.discoveryPath, data); err != nil {
		log.Printf("control: Warning: discovery write: %v", err)
		return
	}
	l.cache = entries
	l.dirty = false
}

func (l *Local) watchLoop() {
	for {
		select {
		case <-l.watchCh:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(l.discoveryPath) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				l.dmu.Lock()
				l.dirty = true
				l.dmu.Unlock()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("control: Warning: discovery watcher: %v", err)
		}
	}
}

// readDiscoveryFile loads the advertised-party map; missing or corrupt
// files yield an empty map (a half-written file cannot occur — writers
// rename complete temp files into place).
func readDiscoveryFile(path string) map[string]*party.PartyInfo {
	entries := make(map[string]*party.PartyInfo)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("control: Warning: read discovery file: %v", err)
		}
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("control: Warning: corrupt discovery file %s: %v", path, err)
		return make(map[string]*party.PartyInfo)
	}
	for _, pt := range entries {
		for _, p := range pt.Peers {
			p.NATType = party.NormalizeNATType(p.NATType)
		}
	}
	return entries
}
