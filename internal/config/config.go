// Package config loads the read-only JSON configuration document described
// in spec.md §6.4. Grounded on original_source/sgeproxy/config.py's File
// class: a thin loader that resolves relative paths against the config
// file's own directory and fails fast on a malformed or incomplete
// document, the same idiom as the teacher's Vault-secret bootstrap in
// cmd/*/main.go (logger.Fatal on any load error) — a static JSON document
// replaces Vault here because spec.md §6.4 names a read-only file, not a
// live rotated secret store.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Messaging holds the client-protocol transport credentials (spec.md §6.1).
type Messaging struct {
	JID      string `json:"jid"`
	Password string `json:"password"`
	Host     string `json:"host"`
}

// DSO holds the upstream web-service bus credentials (spec.md §4.4/§6.4).
type DSO struct {
	Login          string `json:"login"`
	ContractID     string `json:"contract_id"`
	CertPath       string `json:"cert_path"`
	PrivateKeyPath string `json:"private_key_path"`
	Environment    string `json:"environment"`
	BaseURL        string `json:"base_url"`
}

// Streams holds the file-drop directory triple and decryption keys
// (spec.md §4.7, §6.2).
type Streams struct {
	InboxDir   string    `json:"inbox_dir"`
	ArchiveDir string    `json:"archive_dir"`
	ErrorsDir  string    `json:"errors_dir"`
	Keys       []KeyPair `json:"decryption_keys"`
}

// KeyPair is one base64-encoded (iv, key) decryption pair, as stored in the
// JSON document. Resolve() decodes it into raw bytes.
type KeyPair struct {
	IV  string `json:"iv"`
	Key string `json:"key"`
}

// Resolve base64-decodes iv/key into raw bytes for internal/ingest.
func (k KeyPair) Resolve() (iv, key []byte, err error) {
	iv, err = base64.StdEncoding.DecodeString(k.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("config: decode iv: %w", err)
	}
	key, err = base64.StdEncoding.DecodeString(k.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("config: decode key: %w", err)
	}
	return iv, key, nil
}

// Bus holds the internal NATS JetStream event-bus address (internal/bus).
type Bus struct {
	URL string `json:"url"`
}

// File is the fully parsed configuration document.
type File struct {
	Messaging Messaging `json:"messaging"`
	DSO       DSO       `json:"dso"`
	DBURL     string    `json:"db_url"`
	Streams   Streams   `json:"streams"`
	Bus       Bus       `json:"bus"`
	LogDir    string    `json:"log_dir"`

	path string
}

// Load reads and validates the JSON document at path (spec.md §6.4).
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	f.path = path

	if err := f.validate(); err != nil {
		return nil, err
	}

	f.Streams.InboxDir = f.Abspath(f.Streams.InboxDir)
	f.Streams.ArchiveDir = f.Abspath(f.Streams.ArchiveDir)
	f.Streams.ErrorsDir = f.Abspath(f.Streams.ErrorsDir)
	f.DSO.CertPath = f.Abspath(f.DSO.CertPath)
	f.DSO.PrivateKeyPath = f.Abspath(f.DSO.PrivateKeyPath)
	f.LogDir = f.Abspath(f.LogDir)

	return &f, nil
}

func (f *File) validate() error {
	var missing []string
	if f.DBURL == "" {
		missing = append(missing, "db_url")
	}
	if f.DSO.Login == "" {
		missing = append(missing, "dso.login")
	}
	if f.DSO.BaseURL == "" {
		missing = append(missing, "dso.base_url")
	}
	if f.Streams.InboxDir == "" {
		missing = append(missing, "streams.inbox_dir")
	}
	if f.Streams.ArchiveDir == "" {
		missing = append(missing, "streams.archive_dir")
	}
	if f.Streams.ErrorsDir == "" {
		missing = append(missing, "streams.errors_dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %v", missing)
	}
	return nil
}

// Abspath resolves relpath relative to the config file's own directory, the
// same rule as config.py's File.abspath — unlike the Python original this
// never changes the process's working directory to do it.
func (f *File) Abspath(relpath string) string {
	if relpath == "" || filepath.IsAbs(relpath) {
		return relpath
	}
	expanded := relpath
	if home, err := os.UserHomeDir(); err == nil && len(relpath) > 0 && relpath[0] == '~' {
		expanded = filepath.Join(home, relpath[1:])
	}
	return filepath.Join(filepath.Dir(f.path), expanded)
}
