package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

func validManifest() Manifest {
	m := Manifest{
		ID:           "crm-sync",
		Kind:         "tool",
		Name:         "CRM Sync",
		Version:      "1.2.0",
		ConfigSchema: map[string]any{"type": "object"},
	}
	m.Runtime.Tool.Entry = "dist/index.js"
	m.Runtime.Tool.ExportName = "default"
	return m
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr bool
	}{
		{"valid", func(m *Manifest) {}, false},
		{"mjs entry", func(m *Manifest) { m.Runtime.Tool.Entry = "index.mjs" }, false},
		{"cjs entry", func(m *Manifest) { m.Runtime.Tool.Entry = "lib/main.cjs" }, false},
		{"named export", func(m *Manifest) { m.Runtime.Tool.ExportName = "createTool" }, false},
		{"empty export defaults", func(m *Manifest) { m.Runtime.Tool.ExportName = "" }, false},
		{"missing id", func(m *Manifest) { m.ID = "" }, true},
		{"unsupported kind", func(m *Manifest) { m.Kind = "channel" }, true},
		{"missing version", func(m *Manifest) { m.Version = "" }, true},
		{"missing configSchema", func(m *Manifest) { m.ConfigSchema = nil }, true},
		{"missing entry", func(m *Manifest) { m.Runtime.Tool.Entry = "" }, true},
		{"absolute entry", func(m *Manifest) { m.Runtime.Tool.Entry = "/etc/evil.js" }, true},
		{"dotdot entry", func(m *Manifest) { m.Runtime.Tool.Entry = "../outside.js" }, true},
		{"dot segment entry", func(m *Manifest) { m.Runtime.Tool.Entry = "./dist/index.js" }, true},
		{"wrong extension", func(m *Manifest) { m.Runtime.Tool.Entry = "dist/index.ts" }, true},
		{"windows drive entry", func(m *Manifest) { m.Runtime.Tool.Entry = `C:\evil.js` }, true},
		{"export starts with digit", func(m *Manifest) { m.Runtime.Tool.ExportName = "2tool" }, true},
		{"export with dash", func(m *Manifest) { m.Runtime.Tool.ExportName = "my-tool" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(&m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadManifestResolvesEntry(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dist", "index.js"), []byte("// plugin"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifestJSON := `{
		"id": "crm-sync",
		"kind": "tool",
		"name": "CRM Sync",
		"version": "1.2.0",
		"configSchema": {"type": "object"},
		"runtime": {"tool": {"entry": "dist/index.js"}}
	}`
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifestJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	m, entry, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.ID != "crm-sync" {
		t.Errorf("id = %q", m.ID)
	}
	if m.ExportName() != "default" {
		t.Errorf("export = %q, want default", m.ExportName())
	}
	if entry != filepath.Join(dir, "dist", "index.js") {
		t.Errorf("entry = %q", entry)
	}
}

func TestSandboxPolicyFromPermissions(t *testing.T) {
	install := filepath.Join(string(filepath.Separator), "plugins", "crm-sync")

	m := validManifest()
	none := m.SandboxPolicy(install)
	if len(none.FS.AllowedPaths) != 1 || none.FS.AllowedPaths[0] != install {
		t.Errorf("no-permissions policy allows %v, want only the install dir", none.FS.AllowedPaths)
	}
	if none.Network || len(none.Exec) != 0 {
		t.Errorf("no-permissions policy = %+v, want nothing granted", none)
	}

	m.Permissions = &Permissions{
		Network: true,
		FSRead:  []string{"data", "/var/shared"},
		FSWrite: []string{"out"},
		Exec:    []string{"git"},
	}
	p := m.SandboxPolicy(install)

	wantPaths := []string{
		install,
		filepath.Join(install, "data"),
		filepath.Clean("/var/shared"),
		filepath.Join(install, "out"),
	}
	if len(p.FS.AllowedPaths) != len(wantPaths) {
		t.Fatalf("allowed paths = %v, want %v", p.FS.AllowedPaths, wantPaths)
	}
	for i, want := range wantPaths {
		if p.FS.AllowedPaths[i] != want {
			t.Errorf("allowed path %d = %q, want %q", i, p.FS.AllowedPaths[i], want)
		}
	}
	if !p.Network || len(p.Exec) != 1 || p.Exec[0] != "git" {
		t.Errorf("policy = %+v", p)
	}

	// Declared paths must pass the policy, undeclared ones must not.
	if !p.FS.IsPathAllowed(filepath.Join(install, "data", "leads.csv")) {
		t.Error("declared read path rejected")
	}
	if p.FS.IsPathAllowed("/etc/passwd") {
		t.Error("undeclared path allowed")
	}
}

func TestLoadManifestMissingEntryFile(t *testing.T) {
	dir := t.TempDir()
	manifestJSON := `{
		"id": "p",
		"kind": "tool",
		"name": "P",
		"version": "1.0.0",
		"configSchema": {},
		"runtime": {"tool": {"entry": "missing.js"}}
	}`
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifestJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadManifest(dir); err == nil {
		t.Error("missing entry file must fail at load time")
	}
}
