// Package tenant resolves per-tenant plan features, credentials and project
// mappings from configuration.
package tenant

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zulandar/switchyard/internal/config"
)

// FeatureAutomation is the plan feature that permits dispatching jobs.
const FeatureAutomation = "automation"

// ErrUnknownTenant is returned for a tenant id with no configuration.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// Directory looks up tenant configuration.
type Directory interface {
	Lookup(tenantID string) (*config.TenantConfig, error)
}

// Static is a Directory over the tenants section of the config file. It is
// safe for concurrent use and can be replaced wholesale on config reload.
type Static struct {
	mu      sync.RWMutex
	tenants map[string]config.TenantConfig
}

// NewStatic builds a Static directory from tenants.
func NewStatic(tenants []config.TenantConfig) *Static {
	s := &Static{}
	s.Replace(tenants)
	return s
}

// Replace swaps in a new tenant set.
func (s *Static) Replace(tenants []config.TenantConfig) {
	m := make(map[string]config.TenantConfig, len(tenants))
	for _, t := range tenants {
		m[t.ID] = t
	}
	s.mu.Lock()
	s.tenants = m
	s.mu.Unlock()
}

// Lookup implements Directory. The returned value is a copy.
func (s *Static) Lookup(tenantID string) (*config.TenantConfig, error) {
	s.mu.RLock()
	t, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return &t, nil
}

// HasFeature reports whether the tenant's plan includes feature.
func HasFeature(t *config.TenantConfig, feature string) bool {
	for _, f := range t.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// MissingCredentials lists the credentials a dispatch needs that the tenant
// has not configured.
func MissingCredentials(t *config.TenantConfig) []string {
	var missing []string
	c := t.Credentials
	if c.ModelAPIKey == "" {
		missing = append(missing, "model_api_key")
	}
	if c.TicketTrackerURL == "" {
		missing = append(missing, "ticket_tracker_url")
	}
	if c.TicketTrackerToken == "" {
		missing = append(missing, "ticket_tracker_token")
	}
	if c.CodeHostToken == "" {
		missing = append(missing, "code_host_token")
	}
	return missing
}

// ProjectPrefix returns the project part of a ticket key ("X" for "X-12").
func ProjectPrefix(ticketKey string) string {
	if i := strings.LastIndex(ticketKey, "-"); i > 0 {
		return ticketKey[:i]
	}
	return ticketKey
}

// ResolveProject finds the project whose prefix matches the ticket key.
func ResolveProject(t *config.TenantConfig, ticketKey string) (*config.ProjectConfig, error) {
	prefix := ProjectPrefix(ticketKey)
	for i := range t.Projects {
		if strings.EqualFold(t.Projects[i].Prefix, prefix) {
			p := t.Projects[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("tenant: %s: no project configured for prefix %q", t.ID, prefix)
}

// ResolveRepo returns the repository named by ref ("owner/name") among the
// tenant's projects.
func ResolveRepo(t *config.TenantConfig, ref string) (*config.RepoConfig, error) {
	for i := range t.Projects {
		if t.Projects[i].Repo.Ref() == ref {
			r := t.Projects[i].Repo
			return &r, nil
		}
	}
	return nil, fmt.Errorf("tenant: %s: unknown repository %q", t.ID, ref)
}
