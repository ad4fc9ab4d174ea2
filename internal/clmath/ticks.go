package clmath

import "fmt"

// TickSpacings maps standard V3 fee tiers (hundredths of a bip) to tick spacing.
var TickSpacings = map[uint32]int32{
	100:   1,
	500:   10,
	3000:  60,
	10000: 200,
}

// SpacingForFee returns the tick spacing of a standard fee tier.
func SpacingForFee(fee uint32) (int32, error) {
	spacing, ok := TickSpacings[fee]
	if !ok {
		return 0, fmt.Errorf("unsupported fee tier %d", fee)
	}
	return spacing, nil
}

// UsableBounds returns the lowest and highest ticks aligned to spacing.
func UsableBounds(spacing int32) (int32, int32) {
	return (MinTick / spacing) * spacing, (MaxTick / spacing) * spacing
}

func floorToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}

func ceilToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick > 0 {
		q++
	}
	return q * spacing
}

// CenteredRange returns a range symmetric around tick's spacing-aligned
// floor: each bound sits halfWidth away, rounded up to a multiple of spacing.
// Bounds are clamped to the usable ticks, which is the only case where the
// range is not symmetric.
func CenteredRange(tick, halfWidth, spacing int32) (int32, int32, error) {
	if spacing <= 0 {
		return 0, 0, fmt.Errorf("tick spacing must be positive")
	}
	if halfWidth <= 0 {
		return 0, 0, fmt.Errorf("half width must be positive")
	}
	if tick < MinTick || tick > MaxTick {
		return 0, 0, ErrTickOutOfBounds
	}

	minUsable, maxUsable := UsableBounds(spacing)
	center := int64(floorToSpacing(tick, spacing))
	width := int64(ceilToSpacing(halfWidth, spacing))

	lower := center - width
	upper := center + width
	if lower < int64(minUsable) {
		lower = int64(minUsable)
	}
	if upper > int64(maxUsable) {
		upper = int64(maxUsable)
	}
	if lower >= upper {
		return 0, 0, fmt.Errorf("empty range around tick %d", tick)
	}
	return int32(lower), int32(upper), nil
}

// ValidateRange checks ordering, bounds, and spacing alignment.
func ValidateRange(lower, upper, spacing int32) error {
	if lower >= upper {
		return fmt.Errorf("lower %d >= upper %d", lower, upper)
	}
	if lower < MinTick || upper > MaxTick {
		return fmt.Errorf("range [%d, %d] out of bounds", lower, upper)
	}
	if spacing > 0 && (lower%spacing != 0 || upper%spacing != 0) {
		return fmt.Errorf("range [%d, %d] not aligned to spacing %d", lower, upper, spacing)
	}
	return nil
}
