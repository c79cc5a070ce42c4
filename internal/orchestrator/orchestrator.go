// Package orchestrator implements the end-to-end BackupOrchestrator
// state machine: Pending -> StoppingMySQL -> Compressing ->
// Transferring -> StartingMySQL -> Completed, with Failed/Cancelled
// reachable from any state and StartingMySQL guaranteed to run before
// any terminal return.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/siddontang/loggers"

	"github.com/block/mysql-coldbackup/internal/archive"
	"github.com/block/mysql-coldbackup/internal/checksum"
	"github.com/block/mysql-coldbackup/internal/model"
	"github.com/block/mysql-coldbackup/internal/mysqlctl"
	"github.com/block/mysql-coldbackup/internal/recovery"
)

// Phase-category sentinels let callers (the backup CLI) classify a
// failed run's exit code without string-matching error text. Wrap
// chains always preserve these via %w, so errors.Is sees through to
// whichever phase actually failed.
var (
	ErrMySQLPhase    = errors.New("orchestrator: mysql phase failed")
	ErrTransferPhase = errors.New("orchestrator: transfer phase failed")
)

// Progress is the monotonically non-decreasing progress report
// emitted during a run.
type Progress struct {
	Phase            model.BackupStatus
	Overall          float64
	BytesTransferred int64
	TotalBytes       int64
	Elapsed          time.Duration
}

// ProgressFunc receives Progress reports. It MUST NOT block; callers
// that need coalescing should buffer internally.
type ProgressFunc func(Progress)

// Transporter is the narrow TransferProtocol client surface the
// Orchestrator needs to ship an archive to the receiver.
type Transporter interface {
	Transfer(ctx context.Context, archivePath string, meta model.FileMetadata, progress func(bytesSent int64)) error
}

// Orchestrator drives one BackupConfiguration through the full state
// machine.
type Orchestrator struct {
	mysql     *mysqlctl.Controller
	transport Transporter
	handlers  *recovery.Handlers
	logger    loggers.Advanced

	retryPolicy  recovery.RetryPolicy
	phaseTimeout time.Duration
}

// Config configures an Orchestrator.
type Config struct {
	RetryPolicy  recovery.RetryPolicy
	PhaseTimeout time.Duration // default 10 minutes
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(mysql *mysqlctl.Controller, transport Transporter, handlers *recovery.Handlers, cfg Config, logger loggers.Advanced) *Orchestrator {
	if cfg.PhaseTimeout == 0 {
		cfg.PhaseTimeout = 10 * time.Minute
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = recovery.DefaultRetryPolicy()
	}
	return &Orchestrator{
		mysql:        mysql,
		transport:    transport,
		handlers:     handlers,
		logger:       logger,
		retryPolicy:  cfg.RetryPolicy,
		phaseTimeout: cfg.PhaseTimeout,
	}
}

// run tracks the current phase as an atomic int32 so concurrent
// progress readers never race with the phase transition itself.
type run struct {
	state        int32
	log          *model.BackupLog
	mysqlStopped bool
	archivePath  string
}

func stateOf(r *run) model.BackupStatus {
	return model.BackupStatus(statusNames[atomic.LoadInt32(&r.state)])
}

var statusNames = []string{
	string(model.StatusPending),
	string(model.StatusStoppingMySQL),
	string(model.StatusCompressing),
	string(model.StatusTransferring),
	string(model.StatusStartingMySQL),
	string(model.StatusCompleted),
	string(model.StatusFailed),
	string(model.StatusCancelled),
}

const (
	statePending = iota
	stateStoppingMySQL
	stateCompressing
	stateTransferring
	stateStartingMySQL
	stateCompleted
	stateFailed
	stateCancelled
)

func (o *Orchestrator) setState(r *run, s int32, progress ProgressFunc, overall float64, elapsed time.Duration) {
	atomic.StoreInt32(&r.state, s)
	if progress != nil {
		progress(Progress{Phase: stateOf(r), Overall: overall, Elapsed: elapsed})
	}
}

// Run executes the full Stop -> Compress -> Transfer -> Start
// pipeline for cfg, always returning a terminal BackupLog. On any
// failure or cancellation, StartingMySQL is attempted before Run
// returns, per the MySQL invariant in spec §8.
func (o *Orchestrator) Run(ctx context.Context, cfg model.BackupConfiguration, progress ProgressFunc) (*model.BackupLog, error) {
	start := time.Now()
	log := &model.BackupLog{
		ID:              uuid.NewString(),
		ConfigurationID: cfg.ID,
		StartTime:       start,
		Status:          model.StatusPending,
	}
	r := &run{log: log}

	o.setState(r, statePending, progress, 0, 0)

	if err := o.stopMySQL(ctx, r, cfg, progress, start); err != nil {
		return o.finish(ctx, r, cfg, progress, start, model.StatusFailed, err)
	}

	archivePath, err := o.compress(ctx, r, cfg, progress, start)
	if err != nil {
		return o.finish(ctx, r, cfg, progress, start, model.StatusFailed, err)
	}
	r.archivePath = archivePath
	log.ArchivePath = archivePath

	if err := o.transfer(ctx, r, cfg, progress, start); err != nil {
		status := model.StatusFailed
		if ctx.Err() != nil {
			status = model.StatusCancelled
		}
		return o.finish(ctx, r, cfg, progress, start, status, err)
	}

	return o.finish(ctx, r, cfg, progress, start, model.StatusCompleted, nil)
}

func (o *Orchestrator) stopMySQL(ctx context.Context, r *run, cfg model.BackupConfiguration, progress ProgressFunc, start time.Time) error {
	o.setState(r, stateStoppingMySQL, progress, 0.1, time.Since(start))
	opID := r.log.ID + ":stop"
	err := recovery.Retry(ctx, "mysql-stop", opID, o.retryPolicy, o.logger, func(ctx context.Context) error {
		return o.mysql.Stop(ctx, cfg.Source.ServiceName)
	})
	if err != nil {
		return fmt.Errorf("%w: stopping mysql: %w", ErrMySQLPhase, err)
	}
	r.mysqlStopped = true
	return nil
}

func (o *Orchestrator) compress(ctx context.Context, r *run, cfg model.BackupConfiguration, progress ProgressFunc, start time.Time) (string, error) {
	o.setState(r, stateCompressing, progress, 0.3, time.Since(start))

	targetArchive := cfg.Source.DataDir + ".staging.zip"
	opID := r.log.ID + ":compress"
	o.handlers.TempFiles.Register(opID, targetArchive)

	attempted := 0
	err := recovery.WithTimeout(ctx, o.phaseTimeout, "compress", opID, func(ctx context.Context) error {
		attempted++
		return archive.Compress(cfg.Source.DataDir, targetArchive, func(bytesRead int64) {
			if progress != nil {
				progress(Progress{Phase: model.StatusCompressing, Overall: 0.3, BytesTransferred: bytesRead, Elapsed: time.Since(start)})
			}
		})
	})
	if err != nil && attempted < 2 {
		// Compression errors retry once with cleanup of the partial archive.
		archive.Cleanup(targetArchive)
		err = archive.Compress(cfg.Source.DataDir, targetArchive, nil)
	}
	if err != nil {
		archive.Cleanup(targetArchive)
		return "", fmt.Errorf("compressing data directory: %w", err)
	}
	return targetArchive, nil
}

func (o *Orchestrator) transfer(ctx context.Context, r *run, cfg model.BackupConfiguration, progress ProgressFunc, start time.Time) error {
	o.setState(r, stateTransferring, progress, 0.6, time.Since(start))

	sums, err := archiveSums(r.archivePath)
	if err != nil {
		return fmt.Errorf("%w: checksumming archive before transfer: %w", ErrTransferPhase, err)
	}
	meta := model.FileMetadata{Name: cfg.NamingStrategy, Size: sums.size, MD5: sums.md5, SHA256: sums.sha256, CreatedAt: time.Now().UTC()}

	opID := r.log.ID + ":transfer"
	err = recovery.WithTimeout(ctx, o.phaseTimeout, "transfer", opID, func(ctx context.Context) error {
		return o.transport.Transfer(ctx, r.archivePath, meta, func(bytesSent int64) {
			if progress != nil {
				progress(Progress{Phase: model.StatusTransferring, Overall: 0.6 + 0.3*float64(bytesSent)/float64(meta.Size+1), BytesTransferred: bytesSent, TotalBytes: meta.Size, Elapsed: time.Since(start)})
			}
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferPhase, err)
	}
	return nil
}

type fileSums struct {
	md5, sha256 string
	size        int64
}

func archiveSums(path string) (fileSums, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileSums{}, fmt.Errorf("stat archive %s: %w", path, err)
	}
	sums, err := checksum.File(path)
	if err != nil {
		return fileSums{}, err
	}
	return fileSums{md5: sums.MD5, sha256: sums.SHA256, size: info.Size()}, nil
}

// finish always attempts StartingMySQL (if MySQL was stopped for this
// run) before returning, regardless of the terminal status computed
// by the caller.
func (o *Orchestrator) finish(ctx context.Context, r *run, cfg model.BackupConfiguration, progress ProgressFunc, start time.Time, status model.BackupStatus, causeErr error) (*model.BackupLog, error) {
	o.setState(r, stateStartingMySQL, progress, 0.95, time.Since(start))

	if r.mysqlStopped {
		// Use a fresh context: a cancelled run must still restart MySQL.
		startCtx, cancel := context.WithTimeout(context.Background(), o.phaseTimeout)
		defer cancel()
		if err := o.mysql.Start(startCtx, cfg.Source.ServiceName); err != nil {
			o.logger.Errorf("CRITICAL: mysql left stopped after run %s: %s", r.log.ID, err.Error())
			// A cancelled run context must not suppress this alert, so
			// route it on a fresh context the way startCtx is derived above.
			alertCtx, alertCancel := context.WithTimeout(context.Background(), o.phaseTimeout)
			o.handlers.AlertCritical(alertCtx, "MySQLLeftStopped", fmt.Sprintf("run %s: %s", r.log.ID, err.Error()))
			alertCancel()
			r.log.Status = model.StatusFailed
			r.log.ErrorMessage = fmt.Sprintf("mysql left stopped: %s", err.Error())
			r.log.EndTime = time.Now()
			return r.log, fmt.Errorf("%w: mysql left stopped: %w", ErrMySQLPhase, err)
		}
	}

	// The local staged archive is no longer needed once the run reaches
	// any terminal state, whether it was shipped successfully or not.
	o.handlers.TempFiles.Cleanup(r.log.ID + ":compress")

	switch status {
	case model.StatusCompleted:
		o.setState(r, stateCompleted, progress, 1.0, time.Since(start))
	case model.StatusCancelled:
		o.setState(r, stateCancelled, progress, 1.0, time.Since(start))
	default:
		o.setState(r, stateFailed, progress, 1.0, time.Since(start))
	}

	r.log.Status = status
	r.log.EndTime = time.Now()
	if causeErr != nil {
		r.log.ErrorMessage = causeErr.Error()
	}
	return r.log, causeErr
}
