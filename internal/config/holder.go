package config

// Holder pairs the resolved config with the file it was loaded from. The
// root command resolves one Holder per invocation and every subcommand
// reads through it.
type Holder struct {
	cfg  *Config
	path string
}

// NewHolder creates a Holder with the resolved config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the resolved config.
func (h *Holder) Config() *Config {
	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}
