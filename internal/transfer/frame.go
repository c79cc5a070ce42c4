// Package transfer implements the resumable chunked transfer wire
// protocol: length-prefixed framing, the HELLO auth handshake, and the
// BEGIN/CHUNK/FINALIZE exchange. Chunk persistence is delegated to
// chunking.Manager; final placement to layout. Framing style is
// grounded on other_examples/nishisan-dev-n-backup's protocol frames,
// adapted to this system's own message catalogue.
package transfer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// MessageType identifies a frame's payload shape.
type MessageType uint8

const (
	MsgHello       MessageType = 1
	MsgHelloAck    MessageType = 2
	MsgBegin       MessageType = 3
	MsgBeginAck    MessageType = 4
	MsgChunk       MessageType = 5
	MsgChunkAck    MessageType = 6
	MsgFinalize    MessageType = 7
	MsgFinalizeAck MessageType = 8
	MsgResumeOffer MessageType = 9
)

// ProtocolVersion is the single integer HELLO advertises. A mismatch
// on either side closes the connection with ErrProtocolVersionMismatch.
const ProtocolVersion = 1

const maxFrameLength = 256*1024*1024 + 1024 // chunk payload cap + header slack

// ErrProtocolVersionMismatch is returned by the receiver when a
// client's HELLO advertises an unsupported protocol version.
var ErrProtocolVersionMismatch = fmt.Errorf("transfer: protocol version mismatch")

// ErrFrameTooLarge guards against a corrupt or hostile length prefix
// before it is used to size an allocation.
var ErrFrameTooLarge = fmt.Errorf("transfer: frame exceeds maximum length")

// Frame is one length-prefixed protocol message:
// uint32 length | uint8 type | payload. length counts only the
// type byte plus payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame serializes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	length := uint32(1 + len(f.Payload))
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(f.Type)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transfer: writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("transfer: writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame deserializes one frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		return Frame{}, fmt.Errorf("transfer: frame length must include at least the type byte")
	}
	if length > maxFrameLength {
		return Frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("transfer: reading frame payload: %w", err)
		}
	}
	return Frame{Type: MessageType(header[4]), Payload: payload}, nil
}

// kv is the length-prefixed key/value payload encoding shared by every
// message: uint16 key-count, then for each entry uint8 key-length |
// key bytes | uint32 value-length | value bytes (raw, not necessarily
// UTF-8 — chunk bytes ride in a "data" key).
type kv map[string][]byte

func encodeKV(fields kv) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps wire output reproducible for tests.
	sort.Strings(keys)

	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(keys)))

	for _, k := range keys {
		v := fields[k]
		entry := make([]byte, 1+len(k)+4+len(v))
		entry[0] = byte(len(k))
		copy(entry[1:], k)
		binary.BigEndian.PutUint32(entry[1+len(k):], uint32(len(v)))
		copy(entry[1+len(k)+4:], v)
		buf = append(buf, entry...)
	}
	return buf
}

func decodeKV(data []byte) (kv, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("transfer: kv payload too short for count header")
	}
	count := binary.BigEndian.Uint16(data[0:2])
	pos := 2
	fields := make(kv, count)

	for i := uint16(0); i < count; i++ {
		if pos+1 > len(data) {
			return nil, fmt.Errorf("transfer: kv payload truncated at key-length")
		}
		keyLen := int(data[pos])
		pos++
		if pos+keyLen+4 > len(data) {
			return nil, fmt.Errorf("transfer: kv payload truncated at key/value-length")
		}
		key := string(data[pos : pos+keyLen])
		pos += keyLen
		valLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+valLen > len(data) {
			return nil, fmt.Errorf("transfer: kv payload truncated at value")
		}
		fields[key] = data[pos : pos+valLen]
		pos += valLen
	}
	return fields, nil
}
