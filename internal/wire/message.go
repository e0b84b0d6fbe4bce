// Package wire encodes the packets exchanged by authentication mechanisms.
//
// Packets use the protobuf wire format so that fields can be added without breaking older peers.
// Fixed-width fields (nonces, public points, signatures) are validated on decode.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the role of a packet within a mechanism's message schedule.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	// TypeHello is sent by the initiator to propose a mechanism.
	TypeHello
	// TypeReply carries the responder's key share and proof.
	TypeReply
	// TypeFinish carries the initiator's proof.
	TypeFinish
	// TypeAck confirms the responder accepted the initiator's proof.
	TypeAck
	// TypeError aborts the current mechanism.
	TypeError
	// TypeAbort ends the conversation after the initiator has exhausted its mechanisms.
	TypeAbort
)

var typeNames = map[MessageType]string{
	TypeHello:  "Hello",
	TypeReply:  "Reply",
	TypeFinish: "Finish",
	TypeAck:    "Ack",
	TypeError:  "Error",
	TypeAbort:  "Abort",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

const (
	NonceSize     = 32
	PointSize     = 64
	SignatureSize = 64
	MACSize       = 32

	// MaxMessageSize caps the encoded size of a packet. Certificate chains dominate.
	MaxMessageSize = 64 * 1024
	// MaxMechanismName caps the length of a mechanism name.
	MaxMechanismName = 64
)

const (
	fieldType      protowire.Number = 1
	fieldMechanism protowire.Number = 2
	fieldNonce     protowire.Number = 3
	fieldPublicKey protowire.Number = 4
	fieldCertChain protowire.Number = 5
	fieldMAC       protowire.Number = 6
	fieldSignature protowire.Number = 7
	fieldCode      protowire.Number = 8
	fieldReason    protowire.Number = 9
	fieldIdentity  protowire.Number = 10
)

var (
	ErrDecoding       = errors.New("malformed packet")
	ErrFieldLength    = errors.New("packet field has wrong length")
	ErrMessageTooLong = errors.New("packet exceeds maximum size")
)

// Header summarizes a packet for diagnostics. It is handed to SecurityViolation callbacks.
type Header struct {
	Type      MessageType
	Mechanism string
	Size      int
}

func (h Header) String() string {
	return fmt.Sprintf("%s/%s (%d bytes)", h.Mechanism, h.Type, h.Size)
}

// Message is a decoded packet. Absent fields are nil.
type Message struct {
	Type      MessageType
	Mechanism string
	Nonce     []byte
	PublicKey []byte
	CertChain []byte
	MAC       []byte
	Signature []byte
	// Identity is the sender's identifier, used by SPEKE to bind both parties.
	Identity []byte
	Code     uint32
	Reason   string
}

// Header returns a summary of m.
func (m *Message) Header() Header {
	return Header{Type: m.Type, Mechanism: m.Mechanism}
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Marshal encodes m.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Mechanism != "" {
		b = protowire.AppendTag(b, fieldMechanism, protowire.BytesType)
		b = protowire.AppendString(b, m.Mechanism)
	}
	b = appendBytes(b, fieldNonce, m.Nonce)
	b = appendBytes(b, fieldPublicKey, m.PublicKey)
	b = appendBytes(b, fieldCertChain, m.CertChain)
	b = appendBytes(b, fieldMAC, m.MAC)
	b = appendBytes(b, fieldSignature, m.Signature)
	if m.Code != 0 {
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Code))
	}
	if m.Reason != "" {
		b = protowire.AppendTag(b, fieldReason, protowire.BytesType)
		b = protowire.AppendString(b, m.Reason)
	}
	b = appendBytes(b, fieldIdentity, m.Identity)
	if len(b) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	return b, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	// Copy so that the message does not alias the receive buffer.
	return append([]byte{}, v...), n
}

// Unmarshal decodes a packet. Unknown fields are skipped.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrDecoding, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldType, fieldCode:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("%w: field %d has wrong type", ErrDecoding, num)
			}
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				if num == fieldType {
					if v > 0xff {
						return nil, fmt.Errorf("%w: message type out of range", ErrDecoding)
					}
					m.Type = MessageType(v)
				} else {
					if v > 0xffffffff {
						return nil, fmt.Errorf("%w: code out of range", ErrDecoding)
					}
					m.Code = uint32(v)
				}
			}
		case fieldMechanism, fieldReason:
			var v []byte
			if v, n = consumeBytes(b, typ); n >= 0 {
				if num == fieldMechanism {
					m.Mechanism = string(v)
				} else {
					m.Reason = string(v)
				}
			}
		case fieldNonce:
			m.Nonce, n = consumeBytes(b, typ)
		case fieldPublicKey:
			m.PublicKey, n = consumeBytes(b, typ)
		case fieldCertChain:
			m.CertChain, n = consumeBytes(b, typ)
		case fieldMAC:
			m.MAC, n = consumeBytes(b, typ)
		case fieldSignature:
			m.Signature, n = consumeBytes(b, typ)
		case fieldIdentity:
			m.Identity, n = consumeBytes(b, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %s", ErrDecoding, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func checkLength(name string, v []byte, size int) error {
	if v != nil && len(v) != size {
		return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrFieldLength, name, len(v), size)
	}
	return nil
}

func (m *Message) validate() error {
	if m.Type == TypeInvalid || m.Type > TypeAbort {
		return fmt.Errorf("%w: unknown message type %d", ErrDecoding, m.Type)
	}
	if len(m.Mechanism) > MaxMechanismName {
		return fmt.Errorf("%w: mechanism name too long", ErrFieldLength)
	}
	if err := checkLength("nonce", m.Nonce, NonceSize); err != nil {
		return err
	}
	if err := checkLength("public key", m.PublicKey, PointSize); err != nil {
		return err
	}
	if err := checkLength("MAC", m.MAC, MACSize); err != nil {
		return err
	}
	return checkLength("signature", m.Signature, SignatureSize)
}
