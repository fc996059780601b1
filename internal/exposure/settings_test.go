package exposure

import (
	"math"
	"testing"
)

func TestSnapISO(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{50, 100},
		{100, 100},
		{120, 100},
		{160, 200},
		{300, 400},
		{700, 800},
		{2400, 1600},
		{5000, 3200},
	}
	for _, tc := range cases {
		if got := SnapISO(tc.in); got != tc.want {
			t.Fatalf("SnapISO(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSnapShutterClampsToTable(t *testing.T) {
	if got := SnapShutter(1.0 / 20000); got != 1.0/8000 {
		t.Fatalf("fast clamp: got %v", got)
	}
	if got := SnapShutter(10); got != 2.0 {
		t.Fatalf("slow clamp: got %v", got)
	}
	if got := SnapShutter(0.009); got != 1.0/125 {
		t.Fatalf("nearest stop: got %v", got)
	}
}

func TestFormatShutter(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.0 / 500, "1/500"},
		{1.0 / 30, "1/30"},
		{1.0, "1s"},
		{2.0, "2s"},
	}
	for _, tc := range cases {
		if got := FormatShutter(tc.in); got != tc.want {
			t.Fatalf("FormatShutter(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseShutterRoundTrip(t *testing.T) {
	for _, stop := range shutterStops {
		got, err := ParseShutter(FormatShutter(stop))
		if err != nil {
			t.Fatalf("parse %q: %v", FormatShutter(stop), err)
		}
		if math.Abs(got-stop) > stop*0.01 {
			t.Fatalf("round trip %v: got %v", stop, got)
		}
	}
}

func TestParseShutterRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "fast", "1/0", "x/5"} {
		if _, err := ParseShutter(bad); err == nil {
			t.Fatalf("ParseShutter(%q) accepted", bad)
		}
	}
}

func TestClampEV(t *testing.T) {
	if got := ClampEV(3.5); got != 2.0 {
		t.Fatalf("upper clamp: got %v", got)
	}
	if got := ClampEV(-9); got != -2.0 {
		t.Fatalf("lower clamp: got %v", got)
	}
	if got := ClampEV(0.3); got != 0.3 {
		t.Fatalf("pass through: got %v", got)
	}
}
