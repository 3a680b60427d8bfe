// Package config persists the engine's named settings rows: username, passwd
// (sha1-hex), discover_port, sync_interval, backup_root, tree_root_prefix,
// report_host, ca_cert (base64), mac_token, dhtid.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Ivanw/zisync/internal/zserror"
)

// CurrentVersion is bumped whenever a field is added or its meaning
// changes.
const CurrentVersion = 1

// Config is the full set of persisted rows.
type Config struct {
	Version int `json:"version"`

	Username       string `json:"username"`
	PasswdSHA1Hex  string `json:"passwd"`
	DiscoverPort   int    `json:"discover_port"`
	SyncIntervalS  int    `json:"sync_interval"`
	BackupRoot     string `json:"backup_root"`
	TreeRootPrefix string `json:"tree_root_prefix"`
	ReportHost     string `json:"report_host"`
	CACertBase64   string `json:"ca_cert"`
	MacToken       string `json:"mac_token"`
	DHTID          string `json:"dhtid"`
}

const defaultSyncIntervalS = 60

// New returns a Config with its few meaningful defaults filled in.
func New() Config {
	return Config{Version: CurrentVersion, SyncIntervalS: defaultSyncIntervalS}
}

// Load reads a Config from path. A missing file is reported as
// zserror.ConfigMissing.
func Load(path string) (Config, error) {
	var c Config
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, zserror.New("config.Load", zserror.ConfigMissing)
	}
	if err != nil {
		return c, zserror.Wrap("config.Load", zserror.OsIo, err)
	}
	if err := json.Unmarshal(buf, &c); err != nil {
		return c, zserror.Wrap("config.Load", zserror.OsIo, err)
	}
	return c, nil
}

// Save writes c to path atomically: marshal to a temp file in the same
// directory, fsync, then rename over the destination. A crash mid-save
// leaves either the old config or the new one, never a truncated file.
func Save(path string, c Config) error {
	buf, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return zserror.Wrap("config.Save", zserror.OsIo, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return zserror.Wrap("config.Save", zserror.OsIo, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return zserror.Wrap("config.Save", zserror.OsIo, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return zserror.Wrap("config.Save", zserror.OsIo, err)
	}
	if err := tmp.Close(); err != nil {
		return zserror.Wrap("config.Save", zserror.OsIo, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return zserror.Wrap("config.Save", zserror.OsIo, err)
	}
	return nil
}

// ValidatePort reports InvalidPort for anything outside the usable
// range.
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return zserror.New("config.ValidatePort", zserror.InvalidPort)
	}
	return nil
}
