package keychain

import (
	"fmt"

	"github.com/benaskins/warden/internal/audit"
)

// AuditedStore wraps a Store and records every access to the audit log.
// Audit logging is best-effort: a failure to log never blocks the operation.
type AuditedStore struct {
	inner Store
	audit *audit.Logger
	actor string // "cli" or "runner"
}

// NewAuditedStore wraps an existing store with audit logging.
func NewAuditedStore(inner Store, auditLog *audit.Logger, actor string) *AuditedStore {
	return &AuditedStore{inner: inner, audit: auditLog, actor: actor}
}

func (s *AuditedStore) Set(key, value string) error {
	if err := s.inner.Set(key, value); err != nil {
		return fmt.Errorf("audited store set: %w", err)
	}
	s.audit.Log(audit.Entry{Action: audit.ActionSecretWrite, Key: key, Actor: s.actor, Trigger: "manual"})
	return nil
}

func (s *AuditedStore) Get(key string) (string, error) {
	val, err := s.inner.Get(key)
	if err != nil {
		return "", fmt.Errorf("audited store get: %w", err)
	}
	s.audit.Log(audit.Entry{Action: audit.ActionSecretRead, Key: key, Actor: s.actor, Trigger: "manual"})
	return val, nil
}

func (s *AuditedStore) List() ([]string, error) {
	return s.inner.List()
}

func (s *AuditedStore) Delete(key string) error {
	if err := s.inner.Delete(key); err != nil {
		return fmt.Errorf("audited store delete: %w", err)
	}
	s.audit.Log(audit.Entry{Action: audit.ActionSecretDelete, Key: key, Actor: s.actor, Trigger: "manual"})
	return nil
}

// GetForJob retrieves a secret on behalf of a starting job. Failed reads are
// logged too, with the error.
func (s *AuditedStore) GetForJob(key, job, jobID string) (string, error) {
	entry := audit.Entry{
		Action:  audit.ActionSecretRead,
		Key:     key,
		Job:     job,
		JobID:   jobID,
		Actor:   s.actor,
		Trigger: "job_start",
	}
	val, err := s.inner.Get(key)
	if err != nil {
		entry.Error = err.Error()
		s.audit.Log(entry)
		return "", fmt.Errorf("audited store get for job: %w", err)
	}
	s.audit.Log(entry)
	return val, nil
}
