package keystore

import (
	"errors"
	"strings"

	"github.com/99designs/keyring"

	"github.com/meshbus/peerauth/internal/log"
)

const keyringPrefix = "peerauth.secret."

// KeyringBackend stores one item per peer in an OS keyring, such as the macOS Keychain or the
// Secret Service. The keyring itself provides durability, so deletions remove items instead of
// appending tombstones.
type KeyringBackend struct {
	ring keyring.Keyring
	log  log.Logger
}

// NewKeyringBackend wraps an open keyring.
func NewKeyringBackend(ring keyring.Keyring) *KeyringBackend {
	return &KeyringBackend{ring: ring, log: log.Scoped("keystore").With("keyring")}
}

// OpenKeyring opens the system keyring named service.
func OpenKeyring(service string, backends []keyring.BackendType, passphrase func(string) (string, error)) (*KeyringBackend, error) {
	cfg := keyring.Config{
		ServiceName:      service,
		AllowedBackends:  backends,
		FileDir:          "~/.peerauth/keyring",
		FilePasswordFunc: passphrase,
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewKeyringBackend(ring), nil
}

func (k *KeyringBackend) Load() ([]Record, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, key := range keys {
		if !strings.HasPrefix(key, keyringPrefix) {
			continue
		}
		item, err := k.ring.Get(key)
		if err != nil {
			if errors.Is(err, keyring.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		r, err := unmarshalRecord(item.Data)
		if err != nil {
			k.log.Warning("skipping keyring item %s: %s", key, err)
			continue
		}
		records = append(records, *r)
	}
	return records, nil
}

func (k *KeyringBackend) Append(r Record) error {
	key := keyringPrefix + r.Peer
	if r.Deleted {
		err := k.ring.Remove(key)
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return err
		}
		return nil
	}
	return k.ring.Set(keyring.Item{
		Key:         key,
		Data:        r.marshal(),
		Label:       "peerauth session secret",
		Description: "Session secret for " + r.Peer,
	})
}

func (k *KeyringBackend) Rewrite(live []Record) error {
	keys, err := k.ring.Keys()
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(live))
	for _, r := range live {
		keep[keyringPrefix+r.Peer] = true
	}
	for _, key := range keys {
		if strings.HasPrefix(key, keyringPrefix) && !keep[key] {
			if err := k.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
				return err
			}
		}
	}
	for _, r := range live {
		if err := k.Append(r); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyringBackend) Close() error {
	return nil
}
