// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package uplink

import (
	"encoding/binary"
	"fmt"
	"io"

	"grimm.is/ltsagent/internal/codec"
	"grimm.is/ltsagent/internal/errors"
)

// WireVersion is the handshake version this agent speaks.
const WireVersion uint16 = 2

// Size limits for length-prefixed frames.
const (
	MaxHelloSize = 64 << 10
	MaxKeySize   = 64 << 10
	MaxFrameSize = 64 << 20
)

// Hello opens a session. ClientPublicKey holds the CBOR encoding of the
// node's public key.
type Hello struct {
	NodeID          string `cbor:"node_id"`
	LicenseKey      string `cbor:"license_key"`
	NodeName        string `cbor:"node_name"`
	ClientPublicKey []byte `cbor:"client_public_key"`
}

// Submission is one sealed telemetry item on the wire.
type Submission struct {
	Nonce  [NonceSize]byte `cbor:"nonce"`
	Sealed []byte          `cbor:"sealed"`
}

// HandshakeStatus is the collector's reply to a Hello.
type HandshakeStatus int

const (
	StatusDenied HandshakeStatus = iota
	StatusAccepted
	StatusUnknown
)

func (s HandshakeStatus) String() string {
	switch s {
	case StatusDenied:
		return "denied"
	case StatusAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

func parseStatus(v uint16) HandshakeStatus {
	switch v {
	case 0:
		return StatusDenied
	case 1:
		return StatusAccepted
	default:
		return StatusUnknown
	}
}

// appendFrame appends an 8-byte big-endian length and body to buf.
func appendFrame(buf, body []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(body)))
	return append(buf, body...)
}

// writeFrame writes one length-prefixed frame in a single Write.
func writeFrame(w io.Writer, body []byte) error {
	_, err := w.Write(appendFrame(make([]byte, 0, 8+len(body)), body))
	return err
}

// readFrame reads one length-prefixed frame, refusing bodies over limit.
// Exactly the announced number of bytes is consumed.
func readFrame(r io.Reader, limit uint64) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > limit {
		return nil, errors.Attr(errors.Errorf(errors.KindProtocol, "frame of %d bytes exceeds limit", n), "limit", limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeHello sends the version word and the Hello frame.
func writeHello(w io.Writer, h Hello) error {
	body, err := codec.Marshal(h)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode hello")
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 10+len(body)), WireVersion)
	_, err = w.Write(appendFrame(buf, body))
	return err
}

// readHello is the collector side of writeHello.
func readHello(r io.Reader) (Hello, error) {
	var v [2]byte
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return Hello{}, err
	}
	if got := binary.BigEndian.Uint16(v[:]); got != WireVersion {
		return Hello{}, errors.Errorf(errors.KindProtocol, "unsupported hello version %d", got)
	}
	body, err := readFrame(r, MaxHelloSize)
	if err != nil {
		return Hello{}, err
	}
	var h Hello
	if err := codec.Unmarshal(body, &h); err != nil {
		return Hello{}, errors.Wrap(err, errors.KindProtocol, "decode hello")
	}
	return h, nil
}

func readStatus(r io.Reader) (HandshakeStatus, uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return StatusUnknown, 0, err
	}
	raw := binary.BigEndian.Uint16(b[:])
	return parseStatus(raw), raw, nil
}

func writeStatus(w io.Writer, status uint16) error {
	_, err := w.Write(binary.BigEndian.AppendUint16(nil, status))
	return err
}

// encodeKey and decodeKey carry a public key as a CBOR byte string.
func encodeKey(k PublicKey) ([]byte, error) {
	return codec.Marshal(k[:])
}

func decodeKey(data []byte) (PublicKey, error) {
	var raw []byte
	if err := codec.Unmarshal(data, &raw); err != nil {
		return PublicKey{}, errors.Wrap(err, errors.KindProtocol, "decode public key")
	}
	if len(raw) != KeySize {
		return PublicKey{}, errors.Errorf(errors.KindProtocol, "public key is %d bytes, want %d", len(raw), KeySize)
	}
	var k PublicKey
	copy(k[:], raw)
	return k, nil
}

func (k PublicKey) String() string {
	return fmt.Sprintf("%x", k[:8])
}
