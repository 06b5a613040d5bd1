// Package plugins loads workspace tool plugins. A plugin ships a manifest
// (openclaw.plugin.json) and a JS entry that speaks MCP over stdio when
// launched under node; its tools are bridged into the registry behind an
// execution guard.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
)

const ManifestFileName = "openclaw.plugin.json"

// Manifest is the parsed openclaw.plugin.json.
type Manifest struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	ConfigSchema map[string]any `json:"configSchema"`
	Runtime      struct {
		Tool struct {
			Entry      string `json:"entry"`
			ExportName string `json:"exportName"`
		} `json:"tool"`
	} `json:"runtime"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

// Permissions is the optional capability block mapped into the sandbox.
type Permissions struct {
	Network bool     `json:"network,omitempty"`
	FSRead  []string `json:"fsRead,omitempty"`
	FSWrite []string `json:"fsWrite,omitempty"`
	Exec    []string `json:"exec,omitempty"`
}

// LoadManifest reads and validates the manifest in installPath, returning
// the manifest and the absolute entry path. The same checks run at install
// and at load time; a manifest that validated yesterday revalidates today.
func LoadManifest(installPath string) (*Manifest, string, error) {
	data, err := os.ReadFile(filepath.Join(installPath, ManifestFileName))
	if err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, "", err
	}

	entry := filepath.Join(installPath, filepath.FromSlash(m.Runtime.Tool.Entry))
	info, err := os.Stat(entry)
	if err != nil {
		return nil, "", fmt.Errorf("manifest entry %s: %w", m.Runtime.Tool.Entry, err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("manifest entry %s is a directory", m.Runtime.Tool.Entry)
	}
	return &m, entry, nil
}

// Validate checks the structural manifest rules.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	if m.Kind != "tool" {
		return fmt.Errorf("manifest kind %q is not supported", m.Kind)
	}
	if m.Name == "" || m.Version == "" {
		return fmt.Errorf("manifest missing name or version")
	}
	if m.ConfigSchema == nil {
		return fmt.Errorf("manifest missing configSchema")
	}
	if err := validateEntry(m.Runtime.Tool.Entry); err != nil {
		return err
	}
	if err := validateExportName(m.Runtime.Tool.ExportName); err != nil {
		return err
	}
	return nil
}

// PluginSandbox is the effective capability set of a plugin process. It is
// serialized into the process environment for the entry shim to enforce.
type PluginSandbox struct {
	FS      sandbox.FSPolicy `json:"fs"`
	Exec    []string         `json:"exec,omitempty"`
	Network bool             `json:"network"`
}

// SandboxPolicy maps the permissions block into the plugin's sandbox. The
// install directory is always readable; everything else must be declared.
// Relative permission paths are anchored at the install directory. A missing
// permissions block grants nothing beyond the install directory.
func (m *Manifest) SandboxPolicy(installPath string) PluginSandbox {
	p := PluginSandbox{FS: sandbox.FSPolicy{AllowedPaths: []string{filepath.Clean(installPath)}}}
	if m.Permissions == nil {
		return p
	}
	for _, raw := range m.Permissions.FSRead {
		p.FS.AllowedPaths = append(p.FS.AllowedPaths, anchorPath(installPath, raw))
	}
	for _, raw := range m.Permissions.FSWrite {
		p.FS.AllowedPaths = append(p.FS.AllowedPaths, anchorPath(installPath, raw))
	}
	p.Exec = append([]string(nil), m.Permissions.Exec...)
	p.Network = m.Permissions.Network
	return p
}

func anchorPath(installPath, raw string) string {
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw)
	}
	return filepath.Join(installPath, raw)
}

// ExportName returns the configured export, defaulting to "default".
func (m *Manifest) ExportName() string {
	if m.Runtime.Tool.ExportName == "" {
		return "default"
	}
	return m.Runtime.Tool.ExportName
}

// validateEntry enforces a safe relative path: inside the plugin root, a JS
// extension, no dot segments.
func validateEntry(entry string) error {
	if entry == "" {
		return fmt.Errorf("manifest missing runtime.tool.entry")
	}
	normalized := strings.ReplaceAll(entry, `\`, "/")
	if path.IsAbs(normalized) || strings.Contains(normalized, ":") {
		return fmt.Errorf("entry %q must be a relative path", entry)
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("entry %q contains a dot or empty segment", entry)
		}
	}
	switch path.Ext(normalized) {
	case ".js", ".mjs", ".cjs":
	default:
		return fmt.Errorf("entry %q must end in .js, .mjs or .cjs", entry)
	}
	return nil
}

// validateExportName accepts "default", empty (treated as default) or a
// valid JS identifier.
func validateExportName(name string) error {
	if name == "" || name == "default" {
		return nil
	}
	for i, r := range name {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("exportName %q is not a valid identifier", name)
			}
		default:
			return fmt.Errorf("exportName %q is not a valid identifier", name)
		}
	}
	return nil
}
