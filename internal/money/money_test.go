package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1", 1_000_000, false},
		{"1.50", 1_500_000, false},
		{"0.05", 50_000, false},
		{"122.972", 122_972_000, false},
		{"100.00", 100_000_000, false},
		{"0.0000001", 0, false}, // beyond 6 dp truncated
		{"-1", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   Amount
		want string
	}{
		{0, "0.00"},
		{1_500_000, "1.50"},
		{123_000_000, "123.00"},
		{972_000, "0.972000"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundUpToNickel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"122.972", "123.00"},
		{"123.00", "123.00"},
		{"0.01", "0.05"},
		{"0.05", "0.05"},
		{"10.02", "10.05"},
		{"10.051", "10.10"},
		{"0", "0.00"},
	}
	for _, tt := range tests {
		got := MustParse(tt.in).RoundUpToNickel()
		if got.String() != tt.want {
			t.Errorf("RoundUpToNickel(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRoundUpNeverDecreases(t *testing.T) {
	for i := int64(0); i < 200_000; i += 137 {
		a := Amount(i)
		r := a.RoundUpToNickel()
		if r < a {
			t.Fatalf("RoundUpToNickel(%d) = %d, rounded down", a, r)
		}
		if int64(r)%50_000 != 0 {
			t.Fatalf("RoundUpToNickel(%d) = %d, not a multiple of 0.05", a, r)
		}
	}
}

func TestMulRate(t *testing.T) {
	// 100.00 * 0.10 = 10.00
	if got := MustParse("100").MulRate(MustParseRate("0.10")); got != MustParse("10") {
		t.Errorf("100 * 0.10 = %s, want 10.00", got)
	}
	// 12.00 * 0.081 = 0.972 exactly
	if got := MustParse("12").MulRate(MustParseRate("0.081")); got != MustParse("0.972") {
		t.Errorf("12 * 0.081 = %s, want 0.972", got)
	}
}

func TestParseRate(t *testing.T) {
	if _, err := ParseRate("1.5"); err == nil {
		t.Error("ParseRate(1.5) should fail")
	}
	if _, err := ParseRate("-0.1"); err == nil {
		t.Error("ParseRate(-0.1) should fail")
	}
	if r, err := ParseRate("1"); err != nil || r != 1_000_000 {
		t.Errorf("ParseRate(1) = %d, %v", r, err)
	}
}

func TestRappen(t *testing.T) {
	if got := MustParse("123.00").Rappen(); got != 12300 {
		t.Errorf("123.00 in rappen = %d, want 12300", got)
	}
	if got := FromRappen(12300); got != MustParse("123.00") {
		t.Errorf("FromRappen(12300) = %s, want 123.00", got)
	}
}
