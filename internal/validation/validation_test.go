package validation

import "testing"

func TestIsValidUserID(t *testing.T) {
	valid := []string{"u1", "buyer-42", "Seller_7", "a"}
	for _, id := range valid {
		if !IsValidUserID(id) {
			t.Errorf("IsValidUserID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "\x00", string(make([]byte, 65))}
	for _, id := range invalid {
		if IsValidUserID(id) {
			t.Errorf("IsValidUserID(%q) = true, want false", id)
		}
	}
}

func TestIsValidResourceID(t *testing.T) {
	if !IsValidResourceID("txn_0123456789abcdef01234567") {
		t.Error("expected prefixed hex ID to be valid")
	}
	for _, id := range []string{"txn_", "0123456789abcdef01234567", "txn_XYZ", "txn_0123"} {
		if IsValidResourceID(id) {
			t.Errorf("IsValidResourceID(%q) = true, want false", id)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncation = %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("buyer_id", ""),
		ValidUserID("seller_id", "bad id"),
		OneOf("delivery", "teleport", "pickup", "standard", "express"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}

	errs = Validate(
		Required("buyer_id", "u1"),
		ValidUserID("seller_id", "u2"),
		OneOf("delivery", "standard", "pickup", "standard", "express"),
		ValidAmount("amount", "12.50"),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidAmount(t *testing.T) {
	bad := []string{"1.2.3", ".5", "5.", "-1", "abc", "0", "0.00"}
	for _, v := range bad {
		if err := ValidAmount("amount", v)(); err == nil {
			t.Errorf("ValidAmount(%q) passed, want error", v)
		}
	}
	good := []string{"1", "0.05", "123.456789"}
	for _, v := range good {
		if err := ValidAmount("amount", v)(); err != nil {
			t.Errorf("ValidAmount(%q) = %v, want nil", v, err)
		}
	}
}
