package domain

import (
	"sort"
	"time"
)

// SharedKeyEnv is the reserved environment key carrying a product's shared secret.
const SharedKeyEnv = "CORTEX_API_SHARED_KEY"

// Product describes a deployable instance and its desired cluster state.
type Product struct {
	ID         int64
	Name       string
	Slug       string
	Port       int
	Replicas   int
	Status     Status
	EnvVars    map[string]string
	SharedKey  *string
	ImageID    *int64
	ImageName  string
	ServiceID  *string
	DeployedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasService reports whether a cluster service identifier is recorded.
func (p Product) HasService() bool {
	return p.ServiceID != nil && *p.ServiceID != ""
}

// ConfiguredSharedKey returns the secret stored under the reserved env key.
func (p Product) ConfiguredSharedKey() string {
	if p.EnvVars == nil {
		return ""
	}
	return p.EnvVars[SharedKeyEnv]
}

// PublicEnv returns a copy of the env map without the reserved shared key.
func (p Product) PublicEnv() map[string]string {
	out := make(map[string]string, len(p.EnvVars))
	for k, v := range p.EnvVars {
		if k == SharedKeyEnv {
			continue
		}
		out[k] = v
	}
	return out
}

// EnvList renders env vars as sorted KEY=VALUE entries.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// CopyEnv clones an env map.
func CopyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
