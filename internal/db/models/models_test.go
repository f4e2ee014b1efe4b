package models

import (
	"testing"
)

// ---------------------------------------------------------------------------
// ValidActorType
// ---------------------------------------------------------------------------

func TestValidActorType(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"user", true},
		{"api_key", true},
		{"system", true},
		{"User", false},
		{"", false},
		{"service", false},
	}
	for _, tt := range tests {
		if got := ValidActorType(tt.in); got != tt.want {
			t.Errorf("ValidActorType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Metadata.Value / Scan
// ---------------------------------------------------------------------------

func TestMetadata_Value_NilIsEmptyObject(t *testing.T) {
	var m Metadata
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if string(v.([]byte)) != "{}" {
		t.Errorf("Value() = %s, want {}", v)
	}
}

func TestMetadata_Scan(t *testing.T) {
	tests := []struct {
		name    string
		src     interface{}
		wantLen int
		wantNil bool
		wantErr bool
	}{
		{"bytes", []byte(`{"status":"failure","n":2}`), 2, false, false},
		{"string", `{"demo":true}`, 1, false, false},
		{"nil", nil, 0, true, false},
		{"empty bytes", []byte{}, 0, true, false},
		{"unsupported type", 42, 0, false, true},
		{"invalid json", []byte(`{`), 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Metadata
			err := m.Scan(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil && m != nil {
				t.Errorf("Scan() = %v, want nil", m)
			}
			if len(m) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(m), tt.wantLen)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Metadata.Text
// ---------------------------------------------------------------------------

func TestMetadata_Text(t *testing.T) {
	m := Metadata{
		"status": "failure",
		"demo":   true,
		"count":  float64(3),
		"ratio":  1.5,
		"nested": map[string]interface{}{"a": "b"},
		"gone":   nil,
	}
	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{"status", "failure", true},
		{"demo", "true", true},
		{"count", "3", true},
		{"ratio", "1.5", true},
		{"nested", `{"a":"b"}`, true},
		{"gone", "", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		got, ok := m.Text(tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Text(%q) = (%q, %v), want (%q, %v)", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestMetadata_JSON(t *testing.T) {
	if got := (Metadata{}).JSON(); got != "{}" {
		t.Errorf("empty JSON() = %q, want {}", got)
	}
	if got := (Metadata{"b": 1, "a": "x"}).JSON(); got != `{"a":"x","b":1}` {
		t.Errorf("JSON() = %q", got)
	}
}

// ---------------------------------------------------------------------------
// ExportArchive.ContentType
// ---------------------------------------------------------------------------

func TestExportArchive_ContentType(t *testing.T) {
	if got := (&ExportArchive{Format: FormatCSV}).ContentType(); got != "text/csv; charset=utf-8" {
		t.Errorf("csv ContentType() = %q", got)
	}
	if got := (&ExportArchive{Format: FormatJSON}).ContentType(); got != "application/json" {
		t.Errorf("json ContentType() = %q", got)
	}
}
