package transfer

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/block/mysql-coldbackup/internal/model"
)

// Client drives one transfer session against a Server over a single
// TCP (or TLS) connection.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	chunkSize int64
}

// DialConfig configures the client's connection attempt.
type DialConfig struct {
	Network     string // "tcp" or "tcp+tls" handled by caller before Dial
	Address     string
	DialTimeout time.Duration
	ChunkSize   int64
}

// NewClient wraps an already-established connection (plain TCP or
// TLS; TLS handshake happens before NewClient is called).
func NewClient(conn net.Conn, chunkSize int64) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn), chunkSize: chunkSize}
}

// Hello performs the auth handshake and returns the assigned
// session id, or an error with the server's reported error code.
func (c *Client) Hello(clientID, clientSecret string) (sessionID string, err error) {
	token := base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))

	version := make([]byte, 4)
	binary.BigEndian.PutUint32(version, ProtocolVersion)

	fields := kv{
		"version":     version,
		"credentials": []byte(token),
	}
	if err := WriteFrame(c.conn, Frame{Type: MsgHello, Payload: encodeKV(fields)}); err != nil {
		return "", err
	}

	frame, err := ReadFrame(c.r)
	if err != nil {
		return "", fmt.Errorf("reading HELLO_ACK: %w", err)
	}
	if frame.Type != MsgHelloAck {
		return "", fmt.Errorf("expected HELLO_ACK, got message type %d", frame.Type)
	}
	ack, err := decodeKV(frame.Payload)
	if err != nil {
		return "", err
	}
	if len(ack["accepted"]) != 1 || ack["accepted"][0] != 1 {
		return "", fmt.Errorf("transfer: hello rejected: %s", string(ack["error"]))
	}
	return string(ack["sessionId"]), nil
}

// Begin announces the file to transfer. resumeToken may be empty.
// Returns the transferID and the set of chunk indices the server
// already has (non-empty only when resuming).
func (c *Client) Begin(meta model.FileMetadata, resumeToken string) (transferID string, completed map[int]bool, err error) {
	size := make([]byte, 8)
	binary.BigEndian.PutUint64(size, uint64(meta.Size))
	chunkSize := make([]byte, 8)
	binary.BigEndian.PutUint64(chunkSize, uint64(c.chunkSize))

	fields := kv{
		"name":        []byte(meta.Name),
		"size":        size,
		"md5":         []byte(meta.MD5),
		"sha256":      []byte(meta.SHA256),
		"chunkSize":   chunkSize,
		"resumeToken": []byte(resumeToken),
	}
	if err := WriteFrame(c.conn, Frame{Type: MsgBegin, Payload: encodeKV(fields)}); err != nil {
		return "", nil, err
	}

	frame, err := ReadFrame(c.r)
	if err != nil {
		return "", nil, fmt.Errorf("reading BEGIN_ACK: %w", err)
	}
	if frame.Type != MsgBeginAck {
		return "", nil, fmt.Errorf("expected BEGIN_ACK, got message type %d", frame.Type)
	}
	ack, err := decodeKV(frame.Payload)
	if err != nil {
		return "", nil, err
	}

	completed = map[int]bool{}
	raw := ack["completedIndices"]
	for i := 0; i+4 <= len(raw); i += 4 {
		completed[int(binary.BigEndian.Uint32(raw[i:i+4]))] = true
	}
	return string(ack["transferId"]), completed, nil
}

// WriteChunk writes one CHUNK frame without waiting for its
// CHUNK_ACK, letting the caller keep several chunks in flight at once
// (see ReadChunkAck) instead of paying a round trip per chunk.
func (c *Client) WriteChunk(index int, md5 string, data []byte) error {
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, uint32(index))

	fields := kv{
		"index": idx,
		"md5":   []byte(md5),
		"data":  data,
	}
	return WriteFrame(c.conn, Frame{Type: MsgChunk, Payload: encodeKV(fields)})
}

// ReadChunkAck reads the next CHUNK_ACK frame. The server acks chunks
// in the order it read them off this connection, so a caller that
// called WriteChunk N times in order must call ReadChunkAck N times
// to drain them in that same order.
func (c *Client) ReadChunkAck() (outcome string, err error) {
	frame, err := ReadFrame(c.r)
	if err != nil {
		return "", fmt.Errorf("reading CHUNK_ACK: %w", err)
	}
	if frame.Type != MsgChunkAck {
		return "", fmt.Errorf("expected CHUNK_ACK, got message type %d", frame.Type)
	}
	ack, err := decodeKV(frame.Payload)
	if err != nil {
		return "", err
	}
	return string(ack["outcome"]), nil
}

// SendChunk transmits one chunk and waits for its CHUNK_ACK. outcome
// is "ok", "already-present", or "error:<code>".
func (c *Client) SendChunk(index int, md5 string, data []byte) (outcome string, err error) {
	if err := c.WriteChunk(index, md5, data); err != nil {
		return "", err
	}
	return c.ReadChunkAck()
}

// Finalize sends FINALIZE and returns the server's outcome: "ok" or
// "integrity-failure".
func (c *Client) Finalize() (outcome string, detail string, err error) {
	if err := WriteFrame(c.conn, Frame{Type: MsgFinalize}); err != nil {
		return "", "", err
	}
	frame, err := ReadFrame(c.r)
	if err != nil {
		return "", "", fmt.Errorf("reading FINALIZE_ACK: %w", err)
	}
	if frame.Type != MsgFinalizeAck {
		return "", "", fmt.Errorf("expected FINALIZE_ACK, got message type %d", frame.Type)
	}
	ack, err := decodeKV(frame.Payload)
	if err != nil {
		return "", "", err
	}
	return string(ack["outcome"]), string(ack["detail"]), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
