package clmath

import (
	"errors"

	"github.com/holiman/uint256"
)

const (
	// MinTick is the lowest tick whose sqrt ratio is representable.
	MinTick int32 = -887272
	// MaxTick is the highest tick whose sqrt ratio is representable.
	MaxTick int32 = 887272
)

var (
	ErrTickOutOfBounds = errors.New("tick out of bounds")

	// MinSqrtRatio is GetSqrtRatioAtTick(MinTick).
	MinSqrtRatio = uint256.NewInt(4295128739)
	// MaxSqrtRatio is GetSqrtRatioAtTick(MaxTick).
	MaxSqrtRatio = uint256.MustFromHex("0xfffd8963efd1fc6a506488495d951d5263988d26")

	// Q96 is 1.0 in UQ64.96.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

	maxUint256 = new(uint256.Int).Not(uint256.NewInt(0))
	q32        = new(uint256.Int).Lsh(uint256.NewInt(1), 32)

	ratioOdd  = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")
	ratioEven = uint256.MustFromHex("0x100000000000000000000000000000000")

	// sqrt(1.0001^-(2^i)) in Q128.128 for i = 1..19.
	ratioSteps = [19]*uint256.Int{
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
)

// GetSqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value.
func GetSqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfBounds
	}
	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(ratioOdd)
	} else {
		ratio.Set(ratioEven)
	}
	for i, step := range ratioSteps {
		if absTick&(1<<uint(i+1)) != 0 {
			ratio.Mul(ratio, step)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// round up when converting Q128.128 to Q64.96
	rem := new(uint256.Int).Mod(ratio, q32)
	out := new(uint256.Int).Rsh(ratio, 32)
	if !rem.IsZero() {
		out.AddUint64(out, 1)
	}
	return out, nil
}
