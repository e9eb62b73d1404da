package chain

import (
	"math/big"
	"testing"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in      string
		want    string // wei
		wantErr bool
	}{
		{"1.5", "1500000000000000000", false},
		{"0.001", "1000000000000000", false},
		{"42", "42000000000000000000", false},
		{"0", "0", false},
		{"0.000000000000000001", "1", false},
		{"", "", true},
		{"-1", "", true},
		// The whole part "-0" alone has sign zero; the sign character must
		// still make the amount invalid.
		{"-0.5", "", true},
		{"+1", "", true},
		{"1.-5", "", true},
		// Below wei resolution.
		{"0.0000000000000000001", "", true},
		{"1.2.3", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		got, err := ParseEther(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEther(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseEther(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatEther(t *testing.T) {
	tests := []struct {
		in   string // wei
		want string
	}{
		{"1500000000000000000", "1.5"},
		{"1000000000000000", "0.001"},
		{"42000000000000000000", "42"},
		{"0", "0"},
	}

	for _, tt := range tests {
		wei, _ := new(big.Int).SetString(tt.in, 10)
		if got := FormatEther(wei); got != tt.want {
			t.Errorf("FormatEther(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := FormatEther(nil); got != "0" {
		t.Errorf("FormatEther(nil) = %q, want 0", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1.5", "0.000001", "123.456789"} {
		wei, err := ParseEther(s)
		if err != nil {
			t.Fatalf("ParseEther(%q) error = %v", s, err)
		}
		if got := FormatEther(wei); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestApplyRate(t *testing.T) {
	amount, _ := ParseEther("1.5")

	fee, err := ApplyRate(amount, "0.05")
	if err != nil {
		t.Fatalf("ApplyRate() error = %v", err)
	}
	want, _ := ParseEther("0.075")
	if fee.Cmp(want) != 0 {
		t.Errorf("fee = %s, want %s", fee, want)
	}

	if _, err := ApplyRate(amount, "bogus"); err == nil {
		t.Error("expected error for invalid rate")
	}
	if _, err := ApplyRate(amount, "-0.1"); err == nil {
		t.Error("expected error for negative rate")
	}
}
