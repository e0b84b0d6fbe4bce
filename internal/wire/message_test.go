package wire

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageRoundTrip(t *testing.T) {
	original := &Message{
		Type:      TypeReply,
		Mechanism: "ECDSA",
		Nonce:     bytes.Repeat([]byte{1}, NonceSize),
		PublicKey: bytes.Repeat([]byte{2}, PointSize),
		CertChain: []byte("-----BEGIN CERTIFICATE-----"),
		Signature: bytes.Repeat([]byte{3}, SignatureSize),
		Identity:  []byte("peer-a"),
	}
	encoded, err := original.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != original.Type || decoded.Mechanism != original.Mechanism ||
		!bytes.Equal(decoded.Nonce, original.Nonce) || !bytes.Equal(decoded.PublicKey, original.PublicKey) ||
		!bytes.Equal(decoded.CertChain, original.CertChain) || !bytes.Equal(decoded.Signature, original.Signature) ||
		!bytes.Equal(decoded.Identity, original.Identity) || decoded.MAC != nil {
		t.Errorf("Decoded message differs: %+v", decoded)
	}
	encoded[len(encoded)-1] ^= 0xff
	if bytes.Equal(decoded.Identity, encoded[len(encoded)-len(original.Identity):]) {
		t.Error("Decoded message aliases the input buffer")
	}
}

func TestUnmarshalRejectsWrongLengths(t *testing.T) {
	tests := []*Message{
		{Type: TypeHello, Nonce: make([]byte, NonceSize-1)},
		{Type: TypeHello, PublicKey: make([]byte, PointSize+1)},
		{Type: TypeFinish, MAC: make([]byte, 16)},
		{Type: TypeFinish, Signature: make([]byte, 65)},
	}
	for _, m := range tests {
		if _, err := m.Marshal(); !errors.Is(err, ErrFieldLength) {
			t.Errorf("Marshal(%+v): expected ErrFieldLength but got %v", m, err)
		}
	}

	// Build an invalid packet by hand to exercise the decoder.
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(TypeHello))
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1, 2, 3})
	if _, err := Unmarshal(b); !errors.Is(err, ErrFieldLength) {
		t.Errorf("Expected ErrFieldLength but got %v", err)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	if _, err := Unmarshal(nil); !errors.Is(err, ErrDecoding) {
		t.Errorf("Expected ErrDecoding for empty packet, got %v", err)
	}
	if _, err := Unmarshal([]byte{0x0a, 0x05, 0x01}); !errors.Is(err, ErrDecoding) {
		t.Errorf("Expected ErrDecoding for truncated packet, got %v", err)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1})
	if _, err := Unmarshal(b); !errors.Is(err, ErrDecoding) {
		t.Errorf("Expected ErrDecoding for mistyped field, got %v", err)
	}
	if _, err := Unmarshal(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("Expected ErrMessageTooLong, got %v", err)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	encoded, err := (&Message{Type: TypeAck, Mechanism: "ANON"}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	encoded = protowire.AppendTag(encoded, 99, protowire.VarintType)
	encoded = protowire.AppendVarint(encoded, 12345)
	m, err := Unmarshal(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeAck || m.Mechanism != "ANON" {
		t.Errorf("Unexpected message %+v", m)
	}
}
