package playbook

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"stagegate/internal/domain"
)

// ErrVersionExists is returned when a (tenant, playbook, version) triple is
// published a second time.
var ErrVersionExists = errors.New("playbook version already published")

// Registry holds published playbooks. Lookup tries the tenant-specific key
// first and falls back to the global definition. Playbooks are immutable
// once published; publishing the same (tenant, id, version) twice fails.
type Registry struct {
	mu    sync.RWMutex
	books map[string]domain.Playbook
}

func NewRegistry() *Registry {
	return &Registry{books: make(map[string]domain.Playbook)}
}

func bookKey(tenantID, playbookID string) string {
	return tenantID + "|" + playbookID
}

// Publish validates and installs a playbook. A new version of an existing
// playbook replaces it; republishing the same version is rejected.
func (r *Registry) Publish(pb domain.Playbook) error {
	if res := Validate(pb); !res.Valid {
		return fmt.Errorf("invalid playbook %s: %s", pb.PlaybookID, strings.Join(res.Errors, "; "))
	}
	key := bookKey(pb.TenantID, pb.PlaybookID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.books[key]; ok && existing.Version == pb.Version {
		return fmt.Errorf("playbook %s version %s: %w", pb.PlaybookID, pb.Version, ErrVersionExists)
	}
	r.books[key] = pb
	return nil
}

// GetPlaybook returns the tenant-specific playbook if published, else the
// global one. The second return is false when neither exists.
func (r *Registry) GetPlaybook(tenantID, playbookID string) (domain.Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pb, ok := r.books[bookKey(tenantID, playbookID)]; ok {
		return pb, true
	}
	pb, ok := r.books[bookKey("", playbookID)]
	return pb, ok
}

// List returns every published playbook, tenant-specific and global.
func (r *Registry) List() []domain.Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Playbook, 0, len(r.books))
	for _, pb := range r.books {
		out = append(out, pb)
	}
	return out
}
