package config

import "github.com/wavecast/fhserve/internal/collab"

// Provider adapts a loaded Config to collab.ConfigProvider, resolving a
// mount's policy from Config.Mounts and falling back to
// DefaultMountConfig for any mount not explicitly configured.
type Provider struct {
	cfg *Config
}

// NewProvider wraps cfg as a collab.ConfigProvider.
func NewProvider(cfg *Config) *Provider {
	return &Provider{cfg: cfg}
}

// MountPolicy implements collab.ConfigProvider.
func (p *Provider) MountPolicy(mount string) (collab.MountPolicy, bool) {
	mc, ok := p.cfg.Mounts[mount]
	if !ok {
		mc = DefaultMountConfig()
	}
	return collab.MountPolicy{
		MaxListeners:        mc.MaxListeners,
		Limit:               mc.Limit.Bytes(),
		AllowDuplicateLogin: mc.AllowDuplicateLogin,
		ExpireAfter:         mc.ExpireAfter.Duration(),
		FallbackFile:        mc.FallbackFile,
	}, ok
}

var _ collab.ConfigProvider = (*Provider)(nil)
