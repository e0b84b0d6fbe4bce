package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/protocol"
)

var (
	// ErrNotFound indicates no secret is stored for the peer.
	ErrNotFound = errors.New("no secret stored for peer")
	// ErrExpired indicates the stored secret expired. The entry has been removed.
	ErrExpired = errors.New("stored secret has expired")
	// ErrInvalidSecret indicates an attempt to store an empty secret or peer.
	ErrInvalidSecret = protocol.NewError(protocol.CodeBadArg2, "invalid session secret")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("key store closed")
)

// Backend persists records. Backends are called with the store's write lock held, so
// implementations need not be safe for concurrent use by multiple stores.
type Backend interface {
	// Load returns every committed record in commit order.
	Load() ([]Record, error)
	// Append durably commits r.
	Append(r Record) error
	// Rewrite atomically replaces the log with live, which contains no deletions.
	Rewrite(live []Record) error
	Close() error
}

// Store maps peer identities to session secrets. It is safe for concurrent use. Writes are
// committed to the backend before they become visible to readers.
type Store struct {
	backend       Backend
	clock         clock.Clock
	minExpiration time.Duration
	maxEntries    int
	log           log.Logger

	lock    sync.RWMutex
	entries map[string]SessionSecret
	garbage int
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithMinExpiration raises the minimum lifetime. Values below MinExpiration are ignored.
func WithMinExpiration(d time.Duration) Option {
	return func(s *Store) {
		if d > MinExpiration {
			s.minExpiration = d
		}
	}
}

// WithMaxEntries bounds the number of stored secrets. When the bound is exceeded, the secret
// closest to expiring is evicted. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		s.maxEntries = n
	}
}

// Open replays the backend's records and compacts the log if it contains stale records.
func Open(backend Backend, options ...Option) (*Store, error) {
	s := &Store{
		backend:       backend,
		clock:         clock.New(),
		minExpiration: MinExpiration,
		log:           log.Scoped("keystore"),
		entries:       make(map[string]SessionSecret),
	}
	for _, option := range options {
		option(s)
	}
	records, err := backend.Load()
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeResource, err)
	}
	now := s.clock.Now()
	for _, r := range records {
		if r.Deleted {
			delete(s.entries, r.Peer)
		} else {
			s.entries[r.Peer] = r.Secret
		}
	}
	for peer, secret := range s.entries {
		if secret.Expired(now) {
			delete(s.entries, peer)
		}
	}
	if len(records) != len(s.entries) {
		s.garbage = len(records) - len(s.entries)
		if err := s.compactLocked(); err != nil {
			return nil, err
		}
	}
	s.log.Debug("loaded %d secrets from %d records", len(s.entries), len(records))
	return s, nil
}

// OpenMemory returns a Store that does not persist secrets.
func OpenMemory(options ...Option) *Store {
	s, err := Open(&MemoryBackend{}, options...)
	if err != nil {
		// A MemoryBackend never fails to load.
		panic(err)
	}
	return s
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Get returns the secret stored for peer. Expired secrets are deleted and reported as
// ErrExpired.
func (s *Store) Get(peer string) (SessionSecret, error) {
	s.lock.RLock()
	secret, ok := s.entries[peer]
	closed := s.closed
	s.lock.RUnlock()

	if closed {
		return SessionSecret{}, ErrClosed
	}
	if !ok {
		return SessionSecret{}, ErrNotFound
	}
	if !secret.Expired(s.clock.Now()) {
		return secret.clone(), nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	// Another writer may have replaced the entry while the lock was released.
	if current, ok := s.entries[peer]; ok && current.Expired(s.clock.Now()) {
		if err := s.deleteLocked(peer); err != nil {
			s.log.Warning("could not remove expired secret for %s: %s", peer, err)
		}
	}
	return SessionSecret{}, ErrExpired
}

// Put stores secret for peer, replacing any existing entry. The expiration is raised to at least
// MinExpiration from now and rounded up to a whole second.
func (s *Store) Put(peer string, secret SessionSecret) error {
	if peer == "" || len(secret.MasterSecret) == 0 {
		return ErrInvalidSecret
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}

	stored := secret.clone()
	floor := s.clock.Now().Add(s.minExpiration)
	if stored.Expiration.Before(floor) {
		stored.Expiration = floor
	}
	if stored.Expiration.Nanosecond() != 0 {
		stored.Expiration = stored.Expiration.Truncate(time.Second).Add(time.Second)
	}

	if err := s.backend.Append(Record{Peer: peer, Secret: stored}); err != nil {
		return protocol.Wrap(protocol.CodeResource, err)
	}
	if _, ok := s.entries[peer]; ok {
		s.garbage++
	}
	s.entries[peer] = stored

	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		// The entry just stored is never the victim.
		var victim string
		var earliest time.Time
		for p, e := range s.entries {
			if p == peer {
				continue
			}
			if victim == "" || e.Expiration.Before(earliest) {
				victim = p
				earliest = e.Expiration
			}
		}
		s.log.Info("evicting secret for %s", victim)
		if err := s.deleteLocked(victim); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteLocked(peer string) error {
	if _, ok := s.entries[peer]; !ok {
		return nil
	}
	if err := s.backend.Append(Record{Peer: peer, Deleted: true}); err != nil {
		return protocol.Wrap(protocol.CodeResource, err)
	}
	delete(s.entries, peer)
	// Both the put and the tombstone are now stale.
	s.garbage += 2
	return nil
}

// Delete removes the secret for peer, for example on explicit logoff. Deleting a missing peer is
// not an error.
func (s *Store) Delete(peer string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.deleteLocked(peer)
}

// Clear removes every secret.
func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Rewrite(nil); err != nil {
		return protocol.Wrap(protocol.CodeResource, err)
	}
	s.entries = make(map[string]SessionSecret)
	s.garbage = 0
	return nil
}

// Sweep removes every secret that has expired at now and returns the number removed.
func (s *Store) Sweep(now time.Time) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	removed := 0
	for peer, secret := range s.entries {
		if secret.Expired(now) {
			if err := s.deleteLocked(peer); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("swept %d expired secrets", removed)
	}
	return removed, nil
}

// Compact rewrites the backend so that it only holds live, unexpired secrets.
func (s *Store) Compact() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	for peer, secret := range s.entries {
		if secret.Expired(now) {
			delete(s.entries, peer)
			s.garbage++
		}
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	live := make([]Record, 0, len(s.entries))
	for _, peer := range s.peersLocked() {
		live = append(live, Record{Peer: peer, Secret: s.entries[peer]})
	}
	if err := s.backend.Rewrite(live); err != nil {
		return protocol.Wrap(protocol.CodeResource, err)
	}
	if s.garbage > 0 {
		s.log.Info("compacted key store, dropped %d stale records", s.garbage)
	}
	s.garbage = 0
	return nil
}

// Garbage returns the number of stale records a compaction would drop.
func (s *Store) Garbage() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.garbage
}

func (s *Store) peersLocked() []string {
	peers := make([]string, 0, len(s.entries))
	for peer := range s.entries {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Peers lists the peers with stored secrets, including expired secrets not yet swept.
func (s *Store) Peers() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.peersLocked()
}

// Len returns the number of stored secrets.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.entries)
}

// Summary describes a stored secret without revealing it.
type Summary struct {
	Peer       string    `json:"peer"`
	Mechanism  string    `json:"mechanism"`
	Expiration time.Time `json:"expiration"`
	Expired    bool      `json:"expired"`
}

// List returns a summary of every stored secret, ordered by peer.
func (s *Store) List() []Summary {
	s.lock.RLock()
	defer s.lock.RUnlock()
	now := s.clock.Now()
	summaries := make([]Summary, 0, len(s.entries))
	for _, peer := range s.peersLocked() {
		e := s.entries[peer]
		summaries = append(summaries, Summary{
			Peer:       peer,
			Mechanism:  e.Mechanism,
			Expiration: e.Expiration,
			Expired:    e.Expired(now),
		})
	}
	return summaries
}

// ExportSummary writes the output of List to w as JSON.
func (s *Store) ExportSummary(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s.List())
}

// Close closes the backend. Subsequent operations return ErrClosed.
func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for peer, e := range s.entries {
		for i := range e.MasterSecret {
			e.MasterSecret[i] = 0
		}
		delete(s.entries, peer)
	}
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("closing key store backend: %w", err)
	}
	return nil
}
