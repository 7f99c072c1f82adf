package plugin

import (
	"os"
	"path/filepath"
	"testing"
)

func writeInfo(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, InfoFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadInfo(t *testing.T) {
	dir := t.TempDir()
	writeInfo(t, dir, `{
		"version": "1.2",
		"description": "Acme X100 firmware 1.2",
		"description_locales": {"fr_FR": "Micrologiciel Acme X100 1.2"},
		"capabilities": {"Acme,X100,1.2": {"sip.lines": 2}},
		"entry": "acme"
	}`)

	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.Version != "1.2" || info.Entry != "acme" {
		t.Errorf("info = %+v", info)
	}
	if info.DescriptionLocales["fr_FR"] == "" {
		t.Error("localized description missing")
	}
	if _, ok := info.Capabilities["Acme,X100,1.2"]; !ok {
		t.Errorf("capabilities = %v", info.Capabilities)
	}
}

func TestReadInfoErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadInfo(t.TempDir()); err == nil {
			t.Error("ReadInfo of empty dir should fail")
		}
	})
	t.Run("malformed json", func(t *testing.T) {
		dir := t.TempDir()
		writeInfo(t, dir, "{")
		if _, err := ReadInfo(dir); err == nil {
			t.Error("ReadInfo of malformed file should fail")
		}
	})
	t.Run("missing version", func(t *testing.T) {
		dir := t.TempDir()
		writeInfo(t, dir, `{"entry": "acme"}`)
		if _, err := ReadInfo(dir); err == nil {
			t.Error("ReadInfo without version should fail")
		}
	})
}

func TestCheckIfaceCompat(t *testing.T) {
	tests := []struct {
		name    string
		min     string
		max     string
		wantErr bool
	}{
		{"no bounds", "", "", false},
		{"exact", IfaceVersion, IfaceVersion, false},
		{"within range", "0.1", "1.0", false},
		{"runtime too old", "0.3", "", true},
		{"runtime too new", "", "0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &Info{Version: "1.0", IfaceVersionMin: tt.min, IfaceVersionMax: tt.max}
			err := info.CheckIfaceCompat()
			if tt.wantErr && err == nil {
				t.Error("CheckIfaceCompat = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("CheckIfaceCompat = %v, want nil", err)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.1", "1.0", 1},
		{"0.2", "0.10", -1},
		{"1.0", "1.0.1", -1},
		{"2", "10", -1},
		{"1.0a", "1.0b", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
