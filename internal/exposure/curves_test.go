package exposure

import "testing"

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		want ScheduleKind
	}{
		{"sunrise", KindSunrise},
		{"dawn_patrol", KindSunrise},
		{"Morning", KindSunrise},
		{"sunset", KindSunset},
		{"evening_glow", KindSunset},
		{"daytime", KindDaytime},
		{"noon_ridge", KindDaytime},
	}
	for _, tc := range cases {
		if got := KindOf(tc.name); got != tc.want {
			t.Fatalf("KindOf(%q) = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestExposureForLuxPicksLowestWorkableISO(t *testing.T) {
	// Bright day: ISO 100 at a fast shutter.
	iso, shutter, ev := ExposureForLux(20000, KindDaytime)
	if iso != 100 {
		t.Fatalf("bright iso = %d, want 100", iso)
	}
	if shutter > 1.0/30 {
		t.Fatalf("bright shutter %v exceeds daytime band", shutter)
	}
	if ev != 0 {
		t.Fatalf("daytime ev = %v, want 0", ev)
	}

	// Dim light in a daytime band forces higher ISO to hold 1/30.
	dimISO, dimShutter, _ := ExposureForLux(40, KindDaytime)
	if dimISO <= iso {
		t.Fatalf("dim iso %d not above bright iso %d", dimISO, iso)
	}
	if dimShutter > 1.0/30 {
		t.Fatalf("dim shutter %v exceeds daytime band", dimShutter)
	}
}

func TestExposureForLuxGoldenHourAllowsLongExposure(t *testing.T) {
	iso, shutter, ev := ExposureForLux(5, KindSunset)
	if shutter > 2.0 {
		t.Fatalf("sunset shutter %v exceeds 2s ceiling", shutter)
	}
	if iso == 3200 && shutter == 2.0 {
		t.Fatalf("sunset at 5 lux should not need the extreme corner")
	}
	if ev != 0.3 {
		t.Fatalf("sunset ev bias = %v, want 0.3", ev)
	}
}

func TestExposureForLuxZeroLux(t *testing.T) {
	iso, shutter, _ := ExposureForLux(0, KindSunset)
	if !ValidISO(iso) {
		t.Fatalf("iso %d off ladder", iso)
	}
	if shutter <= 0 || shutter > 2.0 {
		t.Fatalf("shutter %v out of range", shutter)
	}
}

func TestBalancedWBEndpoints(t *testing.T) {
	if got := WBForLux(50000, "balanced", KindDaytime); got != 5500 {
		t.Fatalf("daylight wb = %d, want 5500", got)
	}
	if got := WBForLux(0.5, "balanced", KindDaytime); got != 3800 {
		t.Fatalf("twilight wb = %d, want 3800", got)
	}
	mid := WBForLux(100, "balanced", KindDaytime)
	if mid <= 3800 || mid >= 5500 {
		t.Fatalf("mid wb = %d, want interpolated", mid)
	}
}

func TestConservativeWBClamps(t *testing.T) {
	if got := WBForLux(0.5, "conservative", KindDaytime); got != 5000 {
		t.Fatalf("conservative low = %d, want 5000", got)
	}
	if got := WBForLux(50000, "conservative", KindDaytime); got != 5500 {
		t.Fatalf("conservative daylight = %d, want 5500", got)
	}
}

func TestWarmWBBiasesGoldenHour(t *testing.T) {
	balanced := WBForLux(1000, "balanced", KindSunset)
	warm := WBForLux(1000, "warm", KindSunset)
	if warm != balanced-600 {
		t.Fatalf("warm sunset = %d, want %d", warm, balanced-600)
	}
	warmDay := WBForLux(1000, "warm", KindDaytime)
	if warmDay != balanced-200 {
		t.Fatalf("warm daytime = %d, want %d", warmDay, balanced-200)
	}
}

func TestWBFinalClamp(t *testing.T) {
	// Warm bias at the bottom of the balanced curve must not undershoot.
	if got := WBForLux(0.1, "warm", KindSunset); got < 2500 {
		t.Fatalf("wb %d below hardware floor", got)
	}
}

func TestEstimateLuxFromElevation(t *testing.T) {
	if noon := EstimateLuxFromElevation(60); noon < 50000 {
		t.Fatalf("high sun lux = %v, too low", noon)
	}
	horizon := EstimateLuxFromElevation(0)
	civil := EstimateLuxFromElevation(-6)
	deep := EstimateLuxFromElevation(-12)
	if !(horizon > civil && civil > deep) {
		t.Fatalf("lux not monotone below horizon: %v %v %v", horizon, civil, deep)
	}
	if civil < 2 || civil > 8 {
		t.Fatalf("civil twilight lux = %v, want near 4", civil)
	}
	if deep <= 0 {
		t.Fatalf("estimate must stay positive, got %v", deep)
	}
}
