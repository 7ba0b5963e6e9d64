package util

import "testing"

func TestBoolValue(t *testing.T) {
	if got := BoolValue(nil, true); got != true {
		t.Fatalf("BoolValue(nil, true) = %v, want true", got)
	}
	if got := BoolValue(nil, false); got != false {
		t.Fatalf("BoolValue(nil, false) = %v, want false", got)
	}
	val := true
	if got := BoolValue(&val, false); got != true {
		t.Fatalf("BoolValue(true, false) = %v, want true", got)
	}
	val = false
	if got := BoolValue(&val, true); got != false {
		t.Fatalf("BoolValue(false, true) = %v, want false", got)
	}
}

func TestClampPercent(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-5, 0},
		{0, 0},
		{42.5, 42.5},
		{100, 100},
		{180, 100},
	}
	for _, tc := range cases {
		if got := ClampPercent(tc.in); got != tc.want {
			t.Fatalf("ClampPercent(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetDiagnostics(t *testing.T) {
	t.Cleanup(func() { SetDiagnostics(false) })
	SetDiagnostics(true)
	if !DiagnosticsEnabled() {
		t.Fatalf("DiagnosticsEnabled() = false after SetDiagnostics(true)")
	}
	SetDiagnostics(false)
	if DiagnosticsEnabled() {
		t.Fatalf("DiagnosticsEnabled() = true after SetDiagnostics(false)")
	}
}
