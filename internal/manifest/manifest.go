// Package manifest reads and writes the native messaging host manifests that
// browsers use to resolve a host name to an executable.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	description = "Manages files"
	hostType    = "stdio"

	dirPerm  = 0o755
	filePerm = 0o644
)

// ErrNotFound is returned by Lookup when no directory holds a manifest for the name.
var ErrNotFound = errors.New("native messaging host manifest not found")

// Browser identifies a supported browser install.
type Browser string

const (
	Chrome   Browser = "chrome"
	Chromium Browser = "chromium"
	Vivaldi  Browser = "vivaldi"
	Firefox  Browser = "firefox"
)

// Browsers lists every supported browser.
var Browsers = []Browser{Chrome, Chromium, Vivaldi, Firefox}

// ParseBrowser validates a browser name.
func ParseBrowser(name string) (Browser, error) {
	b := Browser(strings.ToLower(name))
	for _, known := range Browsers {
		if b == known {
			return b, nil
		}
	}

	return "", fmt.Errorf("unsupported browser %q", name)
}

// Manifest is the JSON document a browser reads to launch a host. Chromium
// based browsers list allowed origins, Firefox lists extension ids.
type Manifest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Path              string   `json:"path"`
	Type              string   `json:"type"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
}

// New builds the manifest for browser b.
func New(b Browser, name, path string, origins, extensions []string) *Manifest {
	m := &Manifest{
		Name:        name,
		Description: description,
		Path:        path,
		Type:        hostType,
	}

	if b == Firefox {
		m.AllowedExtensions = extensions
	} else {
		m.AllowedOrigins = origins
	}

	return m
}

// Dir returns the per-user directory browser b reads host manifests from.
func Dir(b Browser) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		support := filepath.Join(home, "Library", "Application Support")

		switch b {
		case Chrome:
			return filepath.Join(support, "Google", "Chrome", "NativeMessagingHosts"), nil
		case Chromium:
			return filepath.Join(support, "Chromium", "NativeMessagingHosts"), nil
		case Vivaldi:
			return filepath.Join(support, "Vivaldi", "NativeMessagingHosts"), nil
		case Firefox:
			return filepath.Join(support, "Mozilla", "NativeMessagingHosts"), nil
		}
	}

	switch b {
	case Chrome:
		return filepath.Join(home, ".config", "google-chrome", "NativeMessagingHosts"), nil
	case Chromium:
		return filepath.Join(home, ".config", "chromium", "NativeMessagingHosts"), nil
	case Vivaldi:
		return filepath.Join(home, ".config", "vivaldi", "NativeMessagingHosts"), nil
	case Firefox:
		return filepath.Join(home, ".mozilla", "native-messaging-hosts"), nil
	}

	return "", fmt.Errorf("unsupported browser %q", b)
}

// DefaultDirs returns the manifest directories of every supported browser.
func DefaultDirs() []string {
	dirs := make([]string, 0, len(Browsers))

	for _, b := range Browsers {
		if dir, err := Dir(b); err == nil {
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

// FileName is the manifest file name for a host name.
func FileName(name string) string {
	return name + ".json"
}

// Install writes m into dir and returns the manifest path.
func Install(dir string, m *Manifest) (string, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(dir, FileName(m.Name))
	if err := os.WriteFile(path, body, filePerm); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	return path, nil
}

// Uninstall removes the manifest of name from dir. A missing file is not an error.
func Uninstall(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, FileName(name))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}

	return nil
}

// Lookup returns the first manifest for name found in dirs.
func Lookup(name string, dirs []string) (*Manifest, error) {
	for _, dir := range dirs {
		body, err := os.ReadFile(filepath.Join(dir, FileName(name)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}

		var m Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("failed to decode manifest in %s: %w", dir, err)
		}

		if m.Name != name {
			return nil, fmt.Errorf("manifest in %s declares name %q, want %q", dir, m.Name, name)
		}

		if m.Type != hostType {
			return nil, fmt.Errorf("manifest for %s has unsupported type %q", name, m.Type)
		}

		return &m, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
