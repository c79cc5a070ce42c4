package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/block/mysql-coldbackup/internal/alerting"
	"github.com/block/mysql-coldbackup/internal/model"
	"github.com/block/mysql-coldbackup/internal/mysqlctl"
	"github.com/block/mysql-coldbackup/internal/orchestrator"
	"github.com/block/mysql-coldbackup/internal/recovery"
	"github.com/block/mysql-coldbackup/internal/retention"
	"github.com/block/mysql-coldbackup/internal/store"
	"github.com/block/mysql-coldbackup/internal/sysservice"
	"github.com/block/mysql-coldbackup/internal/transportclient"
)

// Globals are the flags shared by every subcommand.
type Globals struct {
	Storage string `help:"Base directory for configurations, logs, policies and schedules." default:"/var/lib/mysql-coldbackup/backup"`
	JSON    bool   `help:"Print machine-readable JSON output." name:"json"`
}

var cli struct {
	Globals

	Run       RunCmd       `cmd:"" help:"Run a backup configuration once."`
	Schedule  ScheduleCmd  `cmd:"" help:"Manage cron schedules for backup configurations."`
	Retention RetentionCmd `cmd:"" help:"Manage and apply retention policies."`
}

// ErrValidation wraps every failure that should surface as exit code
// 2: an unknown configuration, a configuration missing required
// fields, or an invalid retention policy.
var ErrValidation = errors.New("backup: validation failed")

func main() {
	ctx := kong.Parse(&cli, kong.Name("backup"), kong.Description("MySQL cold-backup client."))
	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor classifies a failed run's error using the sentinel
// chain orchestrator/transportclient wrap every phase failure in, per
// spec.md §6's exit code table. The integrity-failure check runs
// before the transfer-phase check since an integrity failure is
// itself wrapped by ErrTransferPhase and should take priority.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 2
	case errors.Is(err, transportclient.ErrIntegrityFailure):
		return 5
	case errors.Is(err, orchestrator.ErrMySQLPhase):
		return 3
	case errors.Is(err, orchestrator.ErrTransferPhase):
		return 4
	default:
		return 1
	}
}

// repos bundles the repositories every subcommand needs.
type repos struct {
	configs   store.BackupConfigurationRepository
	logs      store.BackupLogRepository
	policies  store.RetentionPolicyRepository
	schedules store.ScheduleConfigurationRepository
}

func openRepos(g *Globals) (*repos, error) {
	configs, err := store.NewBackupConfigurationRepository(g.Storage)
	if err != nil {
		return nil, err
	}
	logs, err := store.NewBackupLogRepository(g.Storage)
	if err != nil {
		return nil, err
	}
	policies, err := store.NewRetentionPolicyRepository(g.Storage)
	if err != nil {
		return nil, err
	}
	schedules, err := store.NewScheduleConfigurationRepository(g.Storage)
	if err != nil {
		return nil, err
	}
	return &repos{configs: configs, logs: logs, policies: policies, schedules: schedules}, nil
}

// validateConfiguration checks the fields the Orchestrator needs
// before it ever stops MySQL, so a bad configuration fails fast with
// exit code 2 instead of mid-run.
func validateConfiguration(cfg model.BackupConfiguration) error {
	switch {
	case cfg.Source.ServiceName == "":
		return fmt.Errorf("%w: source.serviceName must not be empty", ErrValidation)
	case cfg.Source.DataDir == "":
		return fmt.Errorf("%w: source.dataDir must not be empty", ErrValidation)
	case cfg.Target.IP == "":
		return fmt.Errorf("%w: target.ip must not be empty", ErrValidation)
	case cfg.Target.Port <= 0:
		return fmt.Errorf("%w: target.port must be positive", ErrValidation)
	case cfg.ClientID == "":
		return fmt.Errorf("%w: clientId must not be empty", ErrValidation)
	case cfg.NamingStrategy == "":
		return fmt.Errorf("%w: namingStrategy must not be empty", ErrValidation)
	}
	return nil
}

// RunCmd executes one BackupConfiguration's full Orchestrator pipeline.
type RunCmd struct {
	Config string `required:"" arg:"" help:"BackupConfiguration ID to run."`
}

func (c *RunCmd) Run(g *Globals) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}

	cfg, err := r.configs.Get(c.Config)
	if err != nil {
		return fmt.Errorf("%w: loading configuration %s: %s", ErrValidation, c.Config, err.Error())
	}
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	logger := logrus.New()

	mysql := mysqlctl.NewController(sysservice.NewSystemdManager(), mysqlctl.Config{
		ProbeHost: cfg.Source.Host,
		ProbePort: cfg.Source.Port,
		ProbeUser: cfg.Source.Username,
		ProbePass: cfg.Source.Password,
	}, logger)

	transport := transportclient.New(transportclient.Config{
		Address:      fmt.Sprintf("%s:%d", cfg.Target.IP, cfg.Target.Port),
		UseTLS:       cfg.Target.UseTLS,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})

	handlers := &recovery.Handlers{
		Logger:    logger,
		Alerter:   defaultAlertRouter(g, logger),
		MySQL:     mysql,
		TempFiles: recovery.NewTempFileRegistry(),
	}

	orch := orchestrator.NewOrchestrator(mysql, transport, handlers, orchestrator.Config{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, runErr := orch.Run(ctx, cfg, func(p orchestrator.Progress) {
		if !g.JSON {
			logger.Infof("phase=%s overall=%.0f%%", p.Phase, p.Overall*100)
		}
	})

	if log != nil {
		if putErr := r.logs.Put(*log); putErr != nil {
			logger.Warnf("failed to persist backup log %s: %s", log.ID, putErr.Error())
		}
	}

	result := map[string]any{"configurationId": c.Config}
	if log != nil {
		result["status"] = string(log.Status)
		result["logId"] = log.ID
		result["archivePath"] = log.ArchivePath
	}
	if runErr != nil {
		result["error"] = runErr.Error()
	}
	if g.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(result)
	} else if log != nil {
		fmt.Println(log.Status)
	}

	return runErr
}

// defaultAlertRouter wires a single FileLog channel so
// HandleMySQLServiceFailure/HandleTransferFailure/etc. have somewhere
// to surface a Critical alert even when no other channel is
// configured, per spec.md §4.7(v).
func defaultAlertRouter(g *Globals, logger *logrus.Logger) *alerting.Router {
	return alerting.New(logger, alerting.ChannelConfig{
		Kind:            alerting.KindFileLog,
		Path:            filepath.Join(g.Storage, "alerts.log"),
		MinimumSeverity: alerting.SeverityWarning,
	})
}

// ScheduleCmd groups Scheduler-configuration subcommands. The
// Scheduler process itself (cron ticking, concurrency ceiling) is a
// long-running daemon concern outside this CLI's scope; these
// subcommands only edit the persisted ScheduleConfiguration rows a
// running Scheduler reads.
type ScheduleCmd struct {
	List    ScheduleListCmd    `cmd:"" help:"List every schedule configuration."`
	Enable  ScheduleEnableCmd  `cmd:"" help:"Enable a configuration's schedule."`
	Disable ScheduleDisableCmd `cmd:"" help:"Disable a configuration's schedule."`
}

type ScheduleListCmd struct{}

func (c *ScheduleListCmd) Run(g *Globals) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}
	scheds, err := r.schedules.List()
	if err != nil {
		return err
	}
	if g.JSON {
		return json.NewEncoder(os.Stdout).Encode(scheds)
	}
	for _, s := range scheds {
		fmt.Printf("%s\t%s\tenabled=%v\tnextFireTime=%s\n", s.ConfigurationID, s.CronExpression, s.Enabled, s.NextFireTime.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

type ScheduleEnableCmd struct {
	ID string `required:"" arg:"" help:"BackupConfiguration ID whose schedule to enable."`
}

func (c *ScheduleEnableCmd) Run(g *Globals) error {
	return setScheduleEnabled(g, c.ID, true)
}

type ScheduleDisableCmd struct {
	ID string `required:"" arg:"" help:"BackupConfiguration ID whose schedule to disable."`
}

func (c *ScheduleDisableCmd) Run(g *Globals) error {
	return setScheduleEnabled(g, c.ID, false)
}

func setScheduleEnabled(g *Globals, configID string, enabled bool) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}
	sched, err := r.schedules.Get(configID)
	if errors.Is(err, store.ErrNotFound) {
		sched = model.ScheduleConfiguration{ConfigurationID: configID}
	} else if err != nil {
		return err
	}
	sched.Enabled = enabled
	if err := r.schedules.Put(sched); err != nil {
		return err
	}
	status := "enabled"
	if !enabled {
		status = "disabled"
	}
	return printResult(g, map[string]any{"status": status, "configurationId": configID})
}

// RetentionCmd groups RetentionPolicy management and application.
type RetentionCmd struct {
	Apply    RetentionApplyCmd    `cmd:"" help:"Evaluate a policy and delete archives outside its bounds."`
	Estimate RetentionEstimateCmd `cmd:"" help:"Evaluate a policy without deleting anything."`
	List     RetentionListCmd     `cmd:"" help:"List every retention policy."`
	Enable   RetentionEnableCmd   `cmd:"" help:"Enable a retention policy."`
	Disable  RetentionDisableCmd  `cmd:"" help:"Disable a retention policy."`
}

type RetentionApplyCmd struct {
	Name string `required:"" arg:"" help:"RetentionPolicy name to apply."`
}

func (c *RetentionApplyCmd) Run(g *Globals) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}
	policy, entries, err := loadPolicyAndEntries(r, c.Name)
	if err != nil {
		return err
	}

	plan, err := retention.Evaluate(policy, entries)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	logger := logrus.New()
	result, err := retention.Apply(plan, logger)
	if err != nil {
		return err
	}

	for _, logID := range result.Deleted {
		if err := r.logs.Delete(logID); err != nil {
			logger.Warnf("failed to delete backup log %s after retention: %s", logID, err.Error())
		}
	}
	for _, logID := range result.ArchiveMissing {
		l, getErr := r.logs.Get(logID)
		if getErr != nil {
			continue
		}
		l.Status = model.StatusArchiveMissing
		if putErr := r.logs.Put(l); putErr != nil {
			logger.Warnf("failed to downgrade backup log %s after retention: %s", logID, putErr.Error())
		}
	}

	return printResult(g, map[string]any{
		"status":         "applied",
		"policy":         c.Name,
		"deleted":        len(result.Deleted),
		"archiveMissing": len(result.ArchiveMissing),
		"bytesToFree":    plan.BytesToFree,
	})
}

type RetentionEstimateCmd struct {
	Name string `required:"" arg:"" help:"RetentionPolicy name to evaluate."`
}

func (c *RetentionEstimateCmd) Run(g *Globals) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}
	policy, entries, err := loadPolicyAndEntries(r, c.Name)
	if err != nil {
		return err
	}

	plan, err := retention.EstimateImpact(policy, entries)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	return printResult(g, map[string]any{
		"status":      "estimated",
		"policy":      c.Name,
		"files":       len(plan.LogIDs),
		"bytesToFree": plan.BytesToFree,
	})
}

type RetentionListCmd struct{}

func (c *RetentionListCmd) Run(g *Globals) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}
	policies, err := r.policies.List()
	if err != nil {
		return err
	}
	if g.JSON {
		return json.NewEncoder(os.Stdout).Encode(policies)
	}
	for _, p := range policies {
		fmt.Printf("%s\tenabled=%v\tmaxAgeDays=%d\tmaxCount=%d\tmaxStorageBytes=%d\n", p.Name, p.Enabled, p.MaxAgeDays, p.MaxCount, p.MaxStorageBytes)
	}
	return nil
}

type RetentionEnableCmd struct {
	Name string `required:"" arg:"" help:"RetentionPolicy name to enable."`
}

func (c *RetentionEnableCmd) Run(g *Globals) error {
	return setPolicyEnabled(g, c.Name, true)
}

type RetentionDisableCmd struct {
	Name string `required:"" arg:"" help:"RetentionPolicy name to disable."`
}

func (c *RetentionDisableCmd) Run(g *Globals) error {
	return setPolicyEnabled(g, c.Name, false)
}

func setPolicyEnabled(g *Globals, name string, enabled bool) error {
	r, err := openRepos(g)
	if err != nil {
		return err
	}
	policy, err := r.policies.Get(name)
	if err != nil {
		return fmt.Errorf("%w: unknown retention policy %s: %s", ErrValidation, name, err.Error())
	}
	policy.Enabled = enabled
	if err := r.policies.Put(policy); err != nil {
		return err
	}
	status := "enabled"
	if !enabled {
		status = "disabled"
	}
	return printResult(g, map[string]any{"status": status, "policy": name})
}

// loadPolicyAndEntries loads the named policy and every Completed
// BackupLog with an archive, pairing each with its on-disk size (the
// BackupLog's own ArchiveBytes if known, else a live os.Stat).
func loadPolicyAndEntries(r *repos, name string) (model.RetentionPolicy, []retention.Entry, error) {
	policy, err := r.policies.Get(name)
	if err != nil {
		return model.RetentionPolicy{}, nil, fmt.Errorf("%w: unknown retention policy %s: %s", ErrValidation, name, err.Error())
	}

	logs, err := r.logs.List()
	if err != nil {
		return model.RetentionPolicy{}, nil, err
	}

	entries := make([]retention.Entry, 0, len(logs))
	for _, l := range logs {
		if l.Status != model.StatusCompleted || l.ArchivePath == "" {
			continue
		}
		size := l.ArchiveBytes
		if size == 0 {
			if info, statErr := os.Stat(l.ArchivePath); statErr == nil {
				size = info.Size()
			}
		}
		entries = append(entries, retention.Entry{Log: l, SizeBytes: size})
	}

	return policy, entries, nil
}

func printResult(g *Globals, v map[string]any) error {
	if g.JSON {
		return json.NewEncoder(os.Stdout).Encode(v)
	}
	fmt.Println(v["status"])
	return nil
}
