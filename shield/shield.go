// Package shield filters leaders by identity: a hot-reloadable blocklist of
// validator public keys (spec.md §4.5). Local file and optional remote URL
// sources are merged; both refresh on a timer, and the local file also
// reloads immediately on write via fsnotify, grounded on
// prysmaticlabs-prysm/validator/keymanager/imported/refresh.go's debounced
// file-watch pattern.
package shield

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet/internal/identity"
)

// ErrEmptyRemoteBlocklist is returned by fetchRemote when the remote source
// returned a response with no valid entries — treated as a failed fetch so
// a transient upstream bug can never unblock every validator (spec.md §4.5
// mirrors original_source/.../blocklist.rs's "SAFETY CHECK").
var ErrEmptyRemoteBlocklist = errors.New("shield: remote blocklist is empty, ignoring")

type set = map[identity.ValidatorId]struct{}

// Shield holds the current blocklist snapshot, published atomically so
// readers never see a partially updated set.
type Shield struct {
	LocalPath     string
	RemoteURL     string
	RefreshPeriod time.Duration

	http     *http.Client
	snapshot atomic.Pointer[set]

	// OnReload, if set, is called after every successful Reload (local
	// load succeeded, whether or not a configured remote merged in) — App
	// uses it to mark Shield's health source fresh, the same way
	// Cartographer's refresh loops do for their own health sources.
	OnReload func()
}

// New builds a Shield reading localPath (and, if remoteURL is non-empty,
// merging in a periodic HTTPS fetch).
func New(localPath, remoteURL string, refreshPeriod time.Duration) *Shield {
	if refreshPeriod <= 0 {
		refreshPeriod = 300 * time.Second
	}
	empty := set{}
	s := &Shield{
		LocalPath:     localPath,
		RemoteURL:     remoteURL,
		RefreshPeriod: refreshPeriod,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
	s.snapshot.Store(&empty)
	return s
}

// IsBlocked is the hot path: a wait-free lookup against the latest snapshot.
func (s *Shield) IsBlocked(id identity.ValidatorId) bool {
	snap := s.snapshot.Load()
	if snap == nil {
		return false
	}
	_, blocked := (*snap)[id]
	return blocked
}

// Len reports the current blocklist size.
func (s *Shield) Len() int {
	snap := s.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(*snap)
}

// Reload reloads the local file and, if configured, the remote URL,
// merging both into one published snapshot. A failed remote fetch logs and
// keeps every entry of the previously published snapshot, adding any new
// local entries on top, so a failed or empty remote response never unblocks
// a validator it listed before.
func (s *Shield) Reload(ctx context.Context) {
	merged := set{}

	local, err := s.loadLocal()
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", s.LocalPath).Msg("shield: failed to read local blocklist, keeping previous snapshot")
		return
	}
	for id := range local {
		merged[id] = struct{}{}
	}

	if s.RemoteURL != "" {
		remote, err := s.fetchRemote(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("shield: remote blocklist fetch failed, keeping previous entries")
			if prev := s.snapshot.Load(); prev != nil {
				for id := range *prev {
					merged[id] = struct{}{}
				}
			}
		} else {
			for id := range remote {
				merged[id] = struct{}{}
			}
		}
	}

	s.snapshot.Store(&merged)
	log.Info().Int("blocked", len(merged)).Msg("shield: blocklist reloaded")

	if s.OnReload != nil {
		s.OnReload()
	}
}

func (s *Shield) loadLocal() (set, error) {
	if s.LocalPath == "" {
		return set{}, nil
	}
	f, err := os.Open(s.LocalPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseBlocklist(f), nil
}

func (s *Shield) fetchRemote(ctx context.Context) (set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.RemoteURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building remote blocklist request")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching remote blocklist")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("remote blocklist: http status %s", resp.Status)
	}

	parsed := parseBlocklist(resp.Body)
	if len(parsed) == 0 {
		return nil, ErrEmptyRemoteBlocklist
	}
	return parsed, nil
}

// parseBlocklist reads one base58 validator id per line; blank lines and
// "#"-prefixed comments are skipped, as are unparseable lines (logged at
// debug, not fatal — spec.md §4.5 "Parse errors on a single line skip that
// line").
func parseBlocklist(r io.Reader) set {
	out := set{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := identity.ParseValidatorId(line)
		if err != nil {
			log.Debug().Err(err).Str("line", line).Msg("shield: skipping unparseable blocklist entry")
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// Run reloads on RefreshPeriod and, for the local file, immediately on
// write (debounced) until ctx is cancelled.
func (s *Shield) Run(ctx context.Context) {
	s.Reload(ctx)

	debounced := make(chan struct{}, 1)
	if s.LocalPath != "" {
		go s.watchLocalFile(ctx, debounced)
	}

	ticker := time.NewTicker(s.RefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reload(ctx)
		case <-debounced:
			s.Reload(ctx)
		}
	}
}

const fileWatchDebounce = time.Second

func (s *Shield) watchLocalFile(ctx context.Context, notify chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("shield: could not start local file watcher, falling back to periodic reload only")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.LocalPath); err != nil {
		// Watching a file that doesn't exist yet isn't fatal; the periodic
		// ticker still picks it up once it's created.
		log.Debug().Err(err).Str("path", s.LocalPath).Msg("shield: could not watch local blocklist file")
		return
	}

	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(fileWatchDebounce, func() {
				select {
				case notify <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("shield: file watcher error")
		}
	}
}
