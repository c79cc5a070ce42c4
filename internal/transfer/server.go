package transfer

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siddontang/loggers"

	"github.com/block/mysql-coldbackup/internal/authstore"
	"github.com/block/mysql-coldbackup/internal/chunking"
	"github.com/block/mysql-coldbackup/internal/model"
)

// Validator is the narrow AuthStore surface the server needs.
type Validator interface {
	Validate(clientID, secret string) (bool, error)
}

// Auditor is the narrow AuditLog surface the server needs.
type Auditor interface {
	RecordOutcome(clientID string, op model.AuditOperation, outcome model.AuditOutcome, duration time.Duration, errCode, errMsg string) error
}

// Finalizer is the narrow StorageLayout+ChunkManager placement step,
// invoked once a transfer's chunks are all verified and assembled.
// Implementations move the assembled file from its staging path to
// its final on-disk location and return that location.
type Finalizer interface {
	Place(stagedPath string, meta model.FileMetadata) (finalPath string, err error)
}

// Server accepts transfer sessions bounded by a configurable
// concurrency ceiling.
type Server struct {
	listener  net.Listener
	chunks    *chunking.Manager
	auth      Validator
	audit     Auditor
	finalizer Finalizer
	logger    loggers.Advanced

	sem chan struct{}
	wg  sync.WaitGroup
}

// Config configures a Server.
type Config struct {
	MaxConcurrentSessions int // default 20
}

// NewServer wraps an already-listening net.Listener (TLS or plain;
// TLS negotiation happens before Serve is ever called).
func NewServer(listener net.Listener, chunks *chunking.Manager, auth Validator, audit Auditor, finalizer Finalizer, cfg Config, logger loggers.Advanced) *Server {
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 20
	}
	return &Server{
		listener:  listener,
		chunks:    chunks,
		auth:      auth,
		audit:     audit,
		finalizer: finalizer,
		logger:    logger,
		sem:       make(chan struct{}, cfg.MaxConcurrentSessions),
	}
}

// Serve accepts connections until ctx is cancelled or the listener
// errors. Each connection is handled in its own goroutine, gated by
// the concurrency semaphore.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			return fmt.Errorf("transfer: accept failed: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			s.wg.Wait()
			return ctx.Err()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer conn.Close()
			s.handleSession(ctx, conn)
		}()
	}
}

func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)

	if err := s.handleHello(r, conn); err != nil {
		s.logger.Warnf("hello handshake failed: %s", err.Error())
		return
	}

	transferID, resumed, meta, err := s.handleBegin(r, conn)
	if err != nil {
		s.logger.Warnf("begin failed: %s", err.Error())
		return
	}
	_ = resumed

	if err := s.handleChunks(ctx, r, conn, transferID); err != nil {
		s.logger.Warnf("chunk exchange failed for transfer %s: %s", transferID, err.Error())
		return
	}

	s.handleFinalize(conn, transferID, meta)
}

func (s *Server) handleHello(r *bufio.Reader, conn net.Conn) error {
	frame, err := ReadFrame(r)
	if err != nil {
		return fmt.Errorf("reading HELLO: %w", err)
	}
	if frame.Type != MsgHello {
		return fmt.Errorf("expected HELLO, got message type %d", frame.Type)
	}
	fields, err := decodeKV(frame.Payload)
	if err != nil {
		return err
	}

	start := time.Now()
	version := binary.BigEndian.Uint32(pad4(fields["version"]))
	if version != ProtocolVersion {
		s.writeHelloAck(conn, "", false, "ProtocolVersionMismatch")
		return ErrProtocolVersionMismatch
	}

	decoded, err := base64.StdEncoding.DecodeString(string(fields["credentials"]))
	if err != nil {
		s.writeHelloAck(conn, "", false, "InvalidCredentialsFormat")
		s.audit.RecordOutcome("", model.OperationTokenValidation, model.OutcomeFailure, time.Since(start), "InvalidCredentialsFormat", "malformed base64 in HELLO payload")
		return fmt.Errorf("decoding HELLO credentials: %w", err)
	}

	clientID, secret, err := authstore.ParseHelloPayload(string(decoded))
	if err != nil {
		s.writeHelloAck(conn, "", false, "InvalidCredentialsFormat")
		s.audit.RecordOutcome("", model.OperationTokenValidation, model.OutcomeFailure, time.Since(start), "InvalidCredentialsFormat", "HELLO payload did not contain exactly one ':'")
		return err
	}

	ok, err := s.auth.Validate(clientID, secret)
	if err != nil {
		s.writeHelloAck(conn, "", false, "Internal")
		return fmt.Errorf("validating credentials: %w", err)
	}
	if !ok {
		s.writeHelloAck(conn, "", false, "InvalidCredentials")
		s.audit.RecordOutcome(clientID, model.OperationTokenValidation, model.OutcomeFailure, time.Since(start), "InvalidCredentials", "credentials did not match an active client")
		return fmt.Errorf("invalid credentials for client %s", clientID)
	}

	sessionID := uuid.NewString()
	s.audit.RecordOutcome(clientID, model.OperationTokenValidation, model.OutcomeSuccess, time.Since(start), "", "")
	return s.writeHelloAck(conn, sessionID, true, "")
}

func pad4(b []byte) []byte {
	out := make([]byte, 4)
	copy(out[4-len(b):], b)
	return out
}

func (s *Server) writeHelloAck(conn net.Conn, sessionID string, accepted bool, errCode string) error {
	acceptedByte := byte(0)
	if accepted {
		acceptedByte = 1
	}
	fields := kv{
		"sessionId": []byte(sessionID),
		"accepted":  {acceptedByte},
		"error":     []byte(errCode),
	}
	return WriteFrame(conn, Frame{Type: MsgHelloAck, Payload: encodeKV(fields)})
}

func (s *Server) handleBegin(r *bufio.Reader, conn net.Conn) (transferID string, resumed bool, meta model.FileMetadata, err error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return "", false, model.FileMetadata{}, fmt.Errorf("reading BEGIN: %w", err)
	}
	if frame.Type != MsgBegin {
		return "", false, model.FileMetadata{}, fmt.Errorf("expected BEGIN, got message type %d", frame.Type)
	}
	fields, err := decodeKV(frame.Payload)
	if err != nil {
		return "", false, model.FileMetadata{}, err
	}

	size := int64(binary.BigEndian.Uint64(pad8(fields["size"])))
	name := string(fields["name"])
	meta = model.FileMetadata{
		Name:         name,
		OriginalName: name,
		Size:         size,
		MD5:          string(fields["md5"]),
		SHA256:       string(fields["sha256"]),
	}

	completed := map[int]bool{}
	if token := string(fields["resumeToken"]); token != "" {
		_, tokenCompleted, _, err := s.chunks.GetResumeInfo(token)
		if err == nil {
			id, restoreErr := s.chunks.RestoreTransfer(token, meta)
			if restoreErr != nil {
				return "", false, model.FileMetadata{}, restoreErr
			}
			transferID = id
			completed = tokenCompleted
			resumed = true
		}
	}
	if transferID == "" {
		transferID, err = s.chunks.InitTransfer(meta)
		if err != nil {
			return "", false, model.FileMetadata{}, err
		}
	}

	if err := s.writeBeginAck(conn, transferID, completed); err != nil {
		return "", false, model.FileMetadata{}, err
	}
	return transferID, resumed, meta, nil
}

func pad8(b []byte) []byte {
	out := make([]byte, 8)
	copy(out[8-len(b):], b)
	return out
}

func (s *Server) writeBeginAck(conn net.Conn, transferID string, completed map[int]bool) error {
	indexBytes := make([]byte, 4*len(completed))
	i := 0
	for idx := range completed {
		binary.BigEndian.PutUint32(indexBytes[i*4:], uint32(idx))
		i++
	}
	fields := kv{
		"transferId":       []byte(transferID),
		"completedIndices": indexBytes,
	}
	return WriteFrame(conn, Frame{Type: MsgBeginAck, Payload: encodeKV(fields)})
}

func (s *Server) handleChunks(ctx context.Context, r *bufio.Reader, conn net.Conn, transferID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := ReadFrame(r)
		if err != nil {
			return fmt.Errorf("reading chunk frame: %w", err)
		}
		if frame.Type == MsgFinalize {
			return nil
		}
		if frame.Type != MsgChunk {
			return fmt.Errorf("expected CHUNK or FINALIZE, got message type %d", frame.Type)
		}

		fields, err := decodeKV(frame.Payload)
		if err != nil {
			return err
		}
		index := int(binary.BigEndian.Uint32(pad4(fields["index"])))
		rec := model.ChunkRecord{
			TransferID: transferID,
			Index:      index,
			Length:     int64(len(fields["data"])),
			MD5:        string(fields["md5"]),
		}

		result, recvErr := s.chunks.ReceiveChunk(transferID, rec, fields["data"])
		outcome := "ok"
		if recvErr != nil {
			outcome = "error:ChunkConflict"
		} else if result.AlreadyPresent {
			outcome = "already-present"
		}

		ackFields := kv{
			"index":   fields["index"],
			"outcome": []byte(outcome),
		}
		if err := WriteFrame(conn, Frame{Type: MsgChunkAck, Payload: encodeKV(ackFields)}); err != nil {
			return err
		}
	}
}

func (s *Server) handleFinalize(conn net.Conn, transferID string, meta model.FileMetadata) {
	stagedPath, err := s.chunks.Finalize(transferID)
	if err != nil {
		if errors.Is(err, chunking.ErrIntegrityFailure) {
			s.writeFinalizeAck(conn, "integrity-failure", err.Error())
			return
		}
		s.writeFinalizeAck(conn, "error", err.Error())
		return
	}

	if s.finalizer != nil {
		if _, err := s.finalizer.Place(stagedPath, meta); err != nil {
			s.writeFinalizeAck(conn, "error", err.Error())
			return
		}
	}

	s.writeFinalizeAck(conn, "ok", "")
}

func (s *Server) writeFinalizeAck(conn net.Conn, outcome, detail string) error {
	fields := kv{
		"outcome": []byte(outcome),
		"detail":  []byte(detail),
	}
	return WriteFrame(conn, Frame{Type: MsgFinalizeAck, Payload: encodeKV(fields)})
}
