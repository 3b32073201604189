package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxEnvelopeSize bounds a single framed envelope on the wire.
const MaxEnvelopeSize = 1 << 20

// Envelope routes one signed message between two identities.
type Envelope struct {
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient"`
	Message   []byte `cbor:"message"` // encoded Message
}

// NewEnvelope wraps a signed message for transport.
func NewEnvelope(recipient string, msg Message) (Envelope, error) {
	if err := msg.ValidateBasic(); err != nil {
		return Envelope{}, err
	}
	raw, err := Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Sender: msg.Sender(), Recipient: recipient, Message: raw}, nil
}

// Open decodes the enclosed message without verifying it.
func (e Envelope) Open() (Message, error) {
	var msg Message
	if err := Unmarshal(e.Message, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// WriteEnvelope frames one envelope with a big-endian uint32 length prefix.
func WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	if len(data) > MaxEnvelopeSize {
		return fmt.Errorf("envelope too large: %d bytes", len(data))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadEnvelope reads one length-prefixed envelope.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return Envelope{}, errors.New("empty envelope frame")
	}
	if size > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("envelope frame too large: %d bytes", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
