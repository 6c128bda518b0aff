package config

import "github.com/rathix/esmserve/internal/resolve"

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Target     string        `yaml:"target"     json:"target"`
	JSX        string        `yaml:"jsx"        json:"jsx"`
	LiveReload *bool         `yaml:"liveReload" json:"liveReload"`
	Resolve    ResolveConfig `yaml:"resolve"    json:"resolve"`
}

// ResolveConfig is the bare-specifier resolution policy.
type ResolveConfig struct {
	Browser          *bool    `yaml:"browser"          json:"browser"`
	Exports          *bool    `yaml:"exports"          json:"exports"`
	Conditions       []string `yaml:"conditions"       json:"conditions"`
	MainFields       []string `yaml:"mainFields"       json:"mainFields"`
	Extensions       []string `yaml:"extensions"       json:"extensions"`
	PreserveSymlinks bool     `yaml:"preserveSymlinks" json:"preserveSymlinks"`
	CacheSize        int      `yaml:"cacheSize"        json:"cacheSize"`
}

// Options converts the section into resolver options, keeping defaults for
// anything left unset.
func (rc ResolveConfig) Options() resolve.Options {
	opts := resolve.DefaultOptions()
	if rc.Browser != nil {
		opts.Browser = *rc.Browser
	}
	if rc.Exports != nil {
		opts.Exports = *rc.Exports
	}
	if len(rc.Conditions) > 0 {
		opts.Conditions = rc.Conditions
	}
	if len(rc.MainFields) > 0 {
		opts.MainFields = rc.MainFields
	}
	if len(rc.Extensions) > 0 {
		opts.Extensions = rc.Extensions
	}
	opts.PreserveSymlinks = rc.PreserveSymlinks
	if rc.CacheSize > 0 {
		opts.CacheSize = rc.CacheSize
	}
	return opts
}
