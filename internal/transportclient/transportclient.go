// Package transportclient adapts transfer.Client into the
// orchestrator.Transporter interface: dial, authenticate, stream an
// archive's chunks, and finalize.
package transportclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/block/mysql-coldbackup/internal/checksum"
	"github.com/block/mysql-coldbackup/internal/model"
	"github.com/block/mysql-coldbackup/internal/transfer"
)

// Config configures a Transport.
type Config struct {
	Address      string
	UseTLS       bool
	DialTimeout  time.Duration // default 10s
	ChunkSize    int64         // default 4 MiB
	ClientID     string
	ClientSecret string

	// MaxConcurrentChunks bounds how many chunks may be written to the
	// connection before their CHUNK_ACKs have been read back, per
	// spec.md §5's "Transfer phase which may issue up to
	// MaxConcurrentChunks in flight". Default 4.
	MaxConcurrentChunks int

	// ResumeToken, if non-empty, is offered in BEGIN to resume an
	// interrupted prior transfer of the same archive.
	ResumeToken string
}

const (
	defaultChunkSize           = 4 << 20
	defaultMaxConcurrentChunks = 4
)

// ErrIntegrityFailure is returned when the receiver rejects a
// finalized transfer because the assembled archive did not match its
// declared checksums.
var ErrIntegrityFailure = errors.New("transportclient: archive failed integrity verification on receiver")

// Transport implements orchestrator.Transporter over one TCP (or TLS)
// connection per call to Transfer.
type Transport struct {
	cfg Config
}

// New builds a Transport. Zero-value DialTimeout/ChunkSize fall back
// to 10s/4MiB.
func New(cfg Config) *Transport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = defaultMaxConcurrentChunks
	}
	return &Transport{cfg: cfg}
}

// Transfer dials the receiver, authenticates, and streams
// archivePath's contents in ChunkSize pieces, reporting cumulative
// bytes sent via progress after every chunk.
func (t *Transport) Transfer(ctx context.Context, archivePath string, meta model.FileMetadata, progress func(bytesSent int64)) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("transportclient: dialing %s: %w", t.cfg.Address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client := transfer.NewClient(conn, t.cfg.ChunkSize)

	if _, err := client.Hello(t.cfg.ClientID, t.cfg.ClientSecret); err != nil {
		return fmt.Errorf("transportclient: hello: %w", err)
	}

	transferID, completed, err := client.Begin(meta, t.cfg.ResumeToken)
	if err != nil {
		return fmt.Errorf("transportclient: begin: %w", err)
	}
	_ = transferID

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("transportclient: opening archive: %w", err)
	}
	defer f.Close()

	if err := t.pipelineChunks(ctx, client, f, completed, progress); err != nil {
		return err
	}

	outcome, detail, err := client.Finalize()
	if err != nil {
		return fmt.Errorf("transportclient: finalize: %w", err)
	}
	switch outcome {
	case "ok":
		return nil
	case "integrity-failure":
		return fmt.Errorf("%w: %s", ErrIntegrityFailure, detail)
	default:
		return fmt.Errorf("transportclient: finalize reported %s: %s", outcome, detail)
	}
}

// chunkEvent is one unit of progress accounting handed from the
// writer goroutine to the reader goroutine in pipelineChunks. wire is
// true when the chunk was actually written to the connection (and so
// has a CHUNK_ACK to drain); false for a chunk the server already has
// (per completed), which needs no network round trip.
type chunkEvent struct {
	length int64
	wire   bool
}

// pipelineChunks streams f's contents to the server in ChunkSize
// pieces, keeping up to MaxConcurrentChunks chunks in flight at once
// instead of waiting for each CHUNK_ACK before sending the next. The
// server acks chunks in the order it reads them off this connection,
// so the reader goroutine below drains acks in send order without
// needing to correlate them by index.
func (t *Transport) pipelineChunks(ctx context.Context, client *transfer.Client, f *os.File, completed map[int]bool, progress func(bytesSent int64)) error {
	sem := make(chan struct{}, t.cfg.MaxConcurrentChunks)
	events := make(chan chunkEvent, 4096)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(events)
		buf := make([]byte, t.cfg.ChunkSize)
		index := 0
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			n, readErr := f.Read(buf)
			if n > 0 {
				if completed[index] {
					events <- chunkEvent{length: int64(n)}
				} else {
					select {
					case sem <- struct{}{}:
					case <-gctx.Done():
						return gctx.Err()
					}
					data := append([]byte(nil), buf[:n]...)
					if err := client.WriteChunk(index, checksum.Bytes(data), data); err != nil {
						return fmt.Errorf("transportclient: writing chunk %d: %w", index, err)
					}
					events <- chunkEvent{length: int64(n), wire: true}
				}
				index++
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					return nil
				}
				return fmt.Errorf("transportclient: reading archive: %w", readErr)
			}
		}
	})

	g.Go(func() error {
		var sent int64
		for ev := range events {
			if ev.wire {
				outcome, err := client.ReadChunkAck()
				<-sem
				if err != nil {
					return fmt.Errorf("transportclient: reading chunk ack: %w", err)
				}
				if outcome != "ok" && outcome != "already-present" {
					return fmt.Errorf("transportclient: chunk rejected: %s", outcome)
				}
			}
			sent += ev.length
			if progress != nil {
				progress(sent)
			}
		}
		return nil
	})

	return g.Wait()
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	if t.cfg.UseTLS {
		return tls.DialWithDialer(dialer, "tcp", t.cfg.Address, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	return dialer.DialContext(ctx, "tcp", t.cfg.Address)
}
