package clmath

import "testing"

func TestCenteredRange(t *testing.T) {
	cases := []struct {
		name      string
		tick      int32
		halfWidth int32
		spacing   int32
		lower     int32
		upper     int32
	}{
		{name: "aligned", tick: 0, halfWidth: 600, spacing: 60, lower: -600, upper: 600},
		{name: "off-grid tick", tick: 10, halfWidth: 600, spacing: 60, lower: -600, upper: 600},
		{name: "width rounded up", tick: 25, halfWidth: 100, spacing: 60, lower: -120, upper: 120},
		{name: "negative tick", tick: -276324, halfWidth: 100, spacing: 10, lower: -276430, upper: -276230},
		{name: "unit spacing", tick: -276324, halfWidth: 600, spacing: 1, lower: -276924, upper: -275724},
		{name: "clamped low", tick: -887000, halfWidth: 10000, spacing: 60, lower: -887220, upper: -877020},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lower, upper, err := CenteredRange(tc.tick, tc.halfWidth, tc.spacing)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if lower != tc.lower || upper != tc.upper {
				t.Fatalf("range mismatch: [%d, %d] != [%d, %d]", lower, upper, tc.lower, tc.upper)
			}
			if err := ValidateRange(lower, upper, tc.spacing); err != nil {
				t.Fatalf("range should validate: %v", err)
			}
			if lower > tc.tick || upper <= tc.tick {
				t.Fatalf("tick %d outside [%d, %d)", tc.tick, lower, upper)
			}
		})
	}
}

func TestCenteredRangeIsSymmetric(t *testing.T) {
	for _, spacing := range []int32{1, 10, 60, 200} {
		for _, tick := range []int32{-276324, -61, -1, 0, 1, 10, 59, 4321} {
			lower, upper, err := CenteredRange(tick, 600, spacing)
			if err != nil {
				t.Fatalf("spacing %d tick %d: %v", spacing, tick, err)
			}
			center := floorToSpacing(tick, spacing)
			if center-lower != upper-center {
				t.Fatalf("spacing %d tick %d: [%d, %d] not symmetric around %d", spacing, tick, lower, upper, center)
			}
		}
	}
}

func TestCenteredRangeInvalid(t *testing.T) {
	if _, _, err := CenteredRange(0, 0, 60); err == nil {
		t.Fatalf("expected error for zero half width")
	}
	if _, _, err := CenteredRange(0, 100, 0); err == nil {
		t.Fatalf("expected error for zero spacing")
	}
	if _, _, err := CenteredRange(MaxTick+1, 100, 60); err == nil {
		t.Fatalf("expected error for out of bounds tick")
	}
}

func TestValidateRange(t *testing.T) {
	if err := ValidateRange(60, 60, 60); err == nil {
		t.Fatalf("expected error for empty range")
	}
	if err := ValidateRange(120, 60, 60); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if err := ValidateRange(-50, 60, 60); err == nil {
		t.Fatalf("expected error for misaligned range")
	}
	if err := ValidateRange(-60, 60, 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSpacingForFee(t *testing.T) {
	spacing, err := SpacingForFee(3000)
	if err != nil || spacing != 60 {
		t.Fatalf("spacing mismatch: %d %v", spacing, err)
	}
	if _, err := SpacingForFee(1234); err == nil {
		t.Fatalf("expected error for unknown fee tier")
	}
}
