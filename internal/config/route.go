package config

// Route resolves the provider profile name for a message source. Unmapped
// sources fall through to the routing default.
func (c *Config) Route(source string) string {
	if name, ok := c.Routing.Sources[source]; ok && name != "" {
		return name
	}
	return c.Routing.Default
}

// Profile returns the named provider profile, or nil when unknown.
func (c *Config) Profile(name string) *ProviderProfile {
	p, ok := c.Providers[name]
	if !ok {
		return nil
	}
	return &p
}

// ProfileFor resolves the profile used for messages from source.
func (c *Config) ProfileFor(source string) *ProviderProfile {
	return c.Profile(c.Route(source))
}

// EmbedProfile returns the embedding provider profile, or nil when the
// configured name does not exist.
func (c *Config) EmbedProfile() *ProviderProfile {
	return c.Profile(c.Memory.EmbedProfile)
}
