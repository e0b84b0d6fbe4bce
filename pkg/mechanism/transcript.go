package mechanism

// File implements transcript serialization.
// Proofs and signatures cover values exchanged over the wire as well as values each side derives
// on its own. In order to authenticate them, they must be encoded into []byte. The conversion must
// be injective: no two transcripts can result in the same []byte.

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"hash"
	"math"
)

type tag byte

const (
	tagMechanism tag = iota
	tagInitiatorNonce
	tagResponderNonce
	tagInitiatorKey
	tagResponderKey
	tagInitiatorID
	tagResponderID
	tagRole
	tagEnd tag = 0xff
)

var (
	// errOutOfOrderTranscript indicates a programming error (as opposed to a run-time error) and
	// therefore is not exported.
	errOutOfOrderTranscript = errors.New("transcript items need to be added in increasing tag order")

	// ErrTranscriptFieldTooLong indicates an authenticated field (such as a peer identifier) is
	// too long to be compatible with the serialization format.
	ErrTranscriptFieldTooLong = errors.New("transcript fields can't be more than 65535 bytes long")
)

type transcript struct {
	Context hash.Hash
	last    tag
	started bool
}

func newTranscript() *transcript {
	return &transcript{Context: sha256.New()}
}

// Add a (tag, value) pair. Nil values are omitted.
func (t *transcript) Add(tg tag, value []byte) error {
	if t.started && tg <= t.last {
		return errOutOfOrderTranscript
	}
	if value == nil {
		return nil
	}
	if len(value) > math.MaxUint16 {
		return ErrTranscriptFieldTooLong
	}
	t.last = tg
	t.started = true
	t.Context.Write([]byte{byte(tg)})
	t.Context.Write(binary.BigEndian.AppendUint16(nil, uint16(len(value))))
	t.Context.Write(value)
	return nil
}

// Checksum terminates the transcript and returns its digest. The message is appended after the
// end tag and may be of any length.
func (t *transcript) Checksum(message []byte) []byte {
	t.Context.Write([]byte{byte(tagEnd)})
	t.Context.Write(message)
	return t.Context.Sum(nil)
}
