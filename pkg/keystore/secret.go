package keystore

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MasterSecretSize is the length of the master secret produced by every mechanism.
const MasterSecretSize = 48

// MinExpiration is the shortest lifetime the store grants a secret. Requests for shorter
// lifetimes are silently raised to this value.
const MinExpiration = 30 * time.Second

// SessionSecret is the cached outcome of a successful authentication.
type SessionSecret struct {
	MasterSecret []byte
	// Expiration is stored with one-second resolution.
	Expiration time.Time
	Mechanism  string
	// IssuerBinding identifies the credentials the peer authenticated with, such as the hash of
	// its certificate chain. It is empty for mechanisms without peer credentials.
	IssuerBinding []byte
}

// Expired reports whether s has expired at now.
func (s *SessionSecret) Expired(now time.Time) bool {
	return !s.Expiration.After(now)
}

func (s *SessionSecret) clone() SessionSecret {
	return SessionSecret{
		MasterSecret:  append([]byte{}, s.MasterSecret...),
		Expiration:    s.Expiration,
		Mechanism:     s.Mechanism,
		IssuerBinding: append([]byte{}, s.IssuerBinding...),
	}
}

// Record is a single entry in a Backend's log. A record with Deleted set removes the peer.
type Record struct {
	Peer    string
	Secret  SessionSecret
	Deleted bool
}

const (
	fieldPeer          protowire.Number = 1
	fieldMasterSecret  protowire.Number = 2
	fieldExpiration    protowire.Number = 3
	fieldMechanism     protowire.Number = 4
	fieldIssuerBinding protowire.Number = 5
	fieldDeleted       protowire.Number = 6
)

var ErrBadRecord = errors.New("malformed key store record")

func (r *Record) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
	b = protowire.AppendString(b, r.Peer)
	if r.Deleted {
		b = protowire.AppendTag(b, fieldDeleted, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, fieldMasterSecret, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Secret.MasterSecret)
	b = protowire.AppendTag(b, fieldExpiration, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Secret.Expiration.Unix()))
	b = protowire.AppendTag(b, fieldMechanism, protowire.BytesType)
	b = protowire.AppendString(b, r.Secret.Mechanism)
	if len(r.Secret.IssuerBinding) > 0 {
		b = protowire.AppendTag(b, fieldIssuerBinding, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Secret.IssuerBinding)
	}
	return b
}

func unmarshalRecord(b []byte) (*Record, error) {
	var r Record
	var havePeer bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldPeer && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			r.Peer = v
			havePeer = true
		case num == fieldMasterSecret && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.Secret.MasterSecret = append([]byte{}, v...)
		case num == fieldExpiration && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Secret.Expiration = time.Unix(int64(v), 0)
		case num == fieldMechanism && typ == protowire.BytesType:
			r.Secret.Mechanism, n = protowire.ConsumeString(b)
		case num == fieldIssuerBinding && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.Secret.IssuerBinding = append([]byte{}, v...)
		case num == fieldDeleted && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Deleted = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %s", ErrBadRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if !havePeer || r.Peer == "" {
		return nil, fmt.Errorf("%w: missing peer", ErrBadRecord)
	}
	if !r.Deleted && len(r.Secret.MasterSecret) == 0 {
		return nil, fmt.Errorf("%w: missing master secret", ErrBadRecord)
	}
	return &r, nil
}
