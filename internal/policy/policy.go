// Package policy holds the controller's network allowlist and the
// domain-scoped secrets handed to the model process at initialize time.
// Domains are matched as glob patterns, so "*.github.com" covers every
// subdomain.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/droverhq/drover/internal/store"
)

// NetworkPolicy is the persisted allowlist of outbound domains the
// model process may reach.
type NetworkPolicy struct {
	Version        int      `json:"version"`
	AllowedDomains []string `json:"allowedDomains"`
}

// Secret binds an environment variable to the domain it is scoped to.
// The value itself is kept on disk for the single-user deployment; List
// never returns it.
type Secret struct {
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SecretInfo is the redacted view of a Secret.
type SecretInfo struct {
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// secretsFile is the persisted document for domain secrets.
type secretsFile struct {
	Version int      `json:"version"`
	Secrets []Secret `json:"secrets"`
}

// Manager persists and evaluates network policy and domain secrets.
type Manager struct {
	network *store.Store[NetworkPolicy]
	secrets *store.Store[secretsFile]
}

// NewManager creates a policy manager persisting under stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{
		network: store.New(store.Path(stateDir, store.NetworkPolicyFile), func() NetworkPolicy {
			return NetworkPolicy{Version: 1, AllowedDomains: []string{}}
		}),
		secrets: store.New(store.Path(stateDir, store.DomainSecretsFile), func() secretsFile {
			return secretsFile{Version: 1, Secrets: []Secret{}}
		}),
	}
}

// Network returns the current network policy.
func (m *Manager) Network() (NetworkPolicy, error) {
	return m.network.Load()
}

// UpdateNetwork replaces the allowed-domain patterns. Every pattern is
// validated before any write.
func (m *Manager) UpdateNetwork(domains []string) (NetworkPolicy, error) {
	cleaned := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if !doublestar.ValidatePattern(d) {
			return NetworkPolicy{}, fmt.Errorf("invalid domain pattern %q", d)
		}
		cleaned = append(cleaned, d)
	}
	sort.Strings(cleaned)

	var updated NetworkPolicy
	err := m.network.Update(func(p *NetworkPolicy) error {
		p.AllowedDomains = cleaned
		updated = *p
		return nil
	})
	return updated, err
}

// DomainAllowed reports whether domain matches any allowlist pattern.
// An empty allowlist denies everything.
func (m *Manager) DomainAllowed(domain string) (bool, error) {
	p, err := m.network.Load()
	if err != nil {
		return false, err
	}

	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, pattern := range p.AllowedDomains {
		if ok, _ := doublestar.Match(pattern, domain); ok {
			return true, nil
		}
	}
	return false, nil
}

// SetSecret stores (or replaces) a named secret scoped to a domain.
func (m *Manager) SetSecret(name, domain, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("secret name is required")
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("secret value is required")
	}

	return m.secrets.Update(func(f *secretsFile) error {
		entry := Secret{
			Name:      name,
			Domain:    strings.ToLower(strings.TrimSpace(domain)),
			Value:     value,
			UpdatedAt: time.Now().UTC(),
		}
		for i := range f.Secrets {
			if f.Secrets[i].Name == name {
				f.Secrets[i] = entry
				return nil
			}
		}
		f.Secrets = append(f.Secrets, entry)
		return nil
	})
}

// ListSecrets returns the redacted secret inventory, sorted by name.
func (m *Manager) ListSecrets() ([]SecretInfo, error) {
	f, err := m.secrets.Load()
	if err != nil {
		return nil, err
	}

	out := make([]SecretInfo, 0, len(f.Secrets))
	for _, s := range f.Secrets {
		out = append(out, SecretInfo{Name: s.Name, Domain: s.Domain, UpdatedAt: s.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SecretEnvNames returns the environment variable names handed to the
// model process on initialize.
func (m *Manager) SecretEnvNames() ([]string, error) {
	f, err := m.secrets.Load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.Secrets))
	for _, s := range f.Secrets {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names, nil
}

// SecretEnv renders NAME=value pairs for the model child environment.
func (m *Manager) SecretEnv() ([]string, error) {
	f, err := m.secrets.Load()
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(f.Secrets))
	for _, s := range f.Secrets {
		env = append(env, s.Name+"="+s.Value)
	}
	sort.Strings(env)
	return env, nil
}
