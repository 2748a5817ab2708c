// Package config loads certswap's small configuration surface.
//
// Everything here can be overridden by command-line flags; the file only
// exists so deployments don't have to repeat the same paths on every
// invocation. The file is TOML, searched in the XDG config directories
// and then /etc/certswap/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"

	"github.com/certswap/certswap/pkg/errors"
)

// Default locations, matching the layout certswap was built around:
// the web server's configuration directory holds the aliased database
// generations, and the ACME client drops issued certificates in its
// state directory.
const (
	DefaultConfDir = "/etc/httpd"
	DefaultCertDir = "/var/lib/acme"
)

const configRelPath = "certswap/config.toml"

// Config holds the resolved settings for one migration run.
type Config struct {
	// ConfDir is the directory containing the alias symlink and the
	// timestamped generation directories.
	ConfDir string `toml:"conf_dir"`

	// CertDir is the directory where <subject>.crt input files live.
	CertDir string `toml:"cert_dir"`

	// DBUser is the principal whose identity is assumed for database
	// mutation. May be overridden by the positional argument.
	DBUser string `toml:"db_user"`

	// AllowRoot permits a database principal that resolves to uid or
	// gid 0.
	AllowRoot bool `toml:"allow_root"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		ConfDir: DefaultConfDir,
		CertDir: DefaultCertDir,
	}
}

// Load reads the configuration file at path, or searches the standard
// locations when path is empty. A missing file is not an error; the
// defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, errors.ErrConfigLoad,
			"failed to read config file: %s", path)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, errors.ErrConfigLoad,
			"failed to parse config file: %s", path)
	}

	if cfg.ConfDir == "" || cfg.CertDir == "" {
		return cfg, errors.Newf(errors.ErrConfigValid,
			"conf_dir and cert_dir must not be empty: %s", path)
	}

	return cfg, nil
}

func findConfigFile() string {
	if p, err := xdg.SearchConfigFile(configRelPath); err == nil {
		return p
	}
	p := filepath.Join("/etc", configRelPath)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}
