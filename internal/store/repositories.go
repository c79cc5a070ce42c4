package store

import (
	"path/filepath"

	"github.com/block/mysql-coldbackup/internal/model"
)

// backupConfigurationRepo is the JSON-file BackupConfigurationRepository.
type backupConfigurationRepo struct {
	file *jsonFile[model.BackupConfiguration]
}

// NewBackupConfigurationRepository opens (or creates) the
// configuration store at dir/configurations.json.
func NewBackupConfigurationRepository(dir string) (BackupConfigurationRepository, error) {
	f, err := openJSONFile[model.BackupConfiguration](filepath.Join(dir, "configurations.json"))
	if err != nil {
		return nil, err
	}
	return &backupConfigurationRepo{file: f}, nil
}

func (r *backupConfigurationRepo) Get(id string) (model.BackupConfiguration, error) {
	return r.file.get(id)
}

func (r *backupConfigurationRepo) List() ([]model.BackupConfiguration, error) {
	return r.file.list(), nil
}

func (r *backupConfigurationRepo) Put(cfg model.BackupConfiguration) error {
	return r.file.put(cfg.ID, cfg)
}

func (r *backupConfigurationRepo) Delete(id string) error {
	return r.file.delete(id)
}

// backupLogRepo is the JSON-file BackupLogRepository.
type backupLogRepo struct {
	file *jsonFile[model.BackupLog]
}

// NewBackupLogRepository opens (or creates) the log store at
// dir/logs.json.
func NewBackupLogRepository(dir string) (BackupLogRepository, error) {
	f, err := openJSONFile[model.BackupLog](filepath.Join(dir, "logs.json"))
	if err != nil {
		return nil, err
	}
	return &backupLogRepo{file: f}, nil
}

func (r *backupLogRepo) Get(id string) (model.BackupLog, error) { return r.file.get(id) }
func (r *backupLogRepo) List() ([]model.BackupLog, error)       { return r.file.list(), nil }
func (r *backupLogRepo) Put(log model.BackupLog) error          { return r.file.put(log.ID, log) }
func (r *backupLogRepo) Delete(id string) error                 { return r.file.delete(id) }

func (r *backupLogRepo) ListByConfiguration(configID string) ([]model.BackupLog, error) {
	all := r.file.list()
	out := make([]model.BackupLog, 0, len(all))
	for _, l := range all {
		if l.ConfigurationID == configID {
			out = append(out, l)
		}
	}
	return out, nil
}

// retentionPolicyRepo is the JSON-file RetentionPolicyRepository.
type retentionPolicyRepo struct {
	file *jsonFile[model.RetentionPolicy]
}

// NewRetentionPolicyRepository opens (or creates) the policy store at
// dir/retention_policies.json.
func NewRetentionPolicyRepository(dir string) (RetentionPolicyRepository, error) {
	f, err := openJSONFile[model.RetentionPolicy](filepath.Join(dir, "retention_policies.json"))
	if err != nil {
		return nil, err
	}
	return &retentionPolicyRepo{file: f}, nil
}

func (r *retentionPolicyRepo) Get(name string) (model.RetentionPolicy, error) { return r.file.get(name) }
func (r *retentionPolicyRepo) List() ([]model.RetentionPolicy, error)         { return r.file.list(), nil }
func (r *retentionPolicyRepo) Put(p model.RetentionPolicy) error              { return r.file.put(p.Name, p) }
func (r *retentionPolicyRepo) Delete(name string) error                      { return r.file.delete(name) }

// resumeTokenRepo is the JSON-file ResumeTokenRepository.
type resumeTokenRepo struct {
	file *jsonFile[model.ResumeToken]
}

// NewResumeTokenRepository opens (or creates) the resume-token store
// at dir/resume_tokens.json. The ChunkManager keeps its own in-memory
// token map for serving a running receiver; this repository exists so
// resume state survives a receiver restart, per spec.md §4.4's
// "survive process restart" requirement.
func NewResumeTokenRepository(dir string) (ResumeTokenRepository, error) {
	f, err := openJSONFile[model.ResumeToken](filepath.Join(dir, "resume_tokens.json"))
	if err != nil {
		return nil, err
	}
	return &resumeTokenRepo{file: f}, nil
}

func (r *resumeTokenRepo) Get(token string) (model.ResumeToken, error) { return r.file.get(token) }
func (r *resumeTokenRepo) List() ([]model.ResumeToken, error)          { return r.file.list(), nil }
func (r *resumeTokenRepo) Put(t model.ResumeToken) error               { return r.file.put(t.Token, t) }
func (r *resumeTokenRepo) Delete(token string) error                   { return r.file.delete(token) }

// scheduleConfigurationRepo is the JSON-file
// ScheduleConfigurationRepository.
type scheduleConfigurationRepo struct {
	file *jsonFile[model.ScheduleConfiguration]
}

// NewScheduleConfigurationRepository opens (or creates) the schedule
// store at dir/schedules.json.
func NewScheduleConfigurationRepository(dir string) (ScheduleConfigurationRepository, error) {
	f, err := openJSONFile[model.ScheduleConfiguration](filepath.Join(dir, "schedules.json"))
	if err != nil {
		return nil, err
	}
	return &scheduleConfigurationRepo{file: f}, nil
}

func (r *scheduleConfigurationRepo) Get(configID string) (model.ScheduleConfiguration, error) {
	return r.file.get(configID)
}
func (r *scheduleConfigurationRepo) List() ([]model.ScheduleConfiguration, error) {
	return r.file.list(), nil
}
func (r *scheduleConfigurationRepo) Put(s model.ScheduleConfiguration) error {
	return r.file.put(s.ConfigurationID, s)
}
func (r *scheduleConfigurationRepo) Delete(configID string) error { return r.file.delete(configID) }
