package util

import "testing"

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Front Door", "front-door"},
		{"Garage  PIR", "garage-pir"},
		{"Éntrée", "entree"},
		{"  Zone #5 (back) ", "zone-5-back"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("Front Door\x00\x00 "); got != "Front Door" {
		t.Errorf("Normalize = %q, want %q", got, "Front Door")
	}
	if got := Normalize("\x00\x00"); got != "" {
		t.Errorf("Normalize of padding = %q, want empty", got)
	}
}
