package amm

import (
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
)

var errTickNotSpaced = errors.New("amm: tick not aligned to spacing")

// tickBitmap indexes initialized ticks in 256-bit words keyed by the upper
// bits of the compressed (spacing-divided) tick, so the swap loop finds the
// next initialized tick with one word scan instead of walking the grid.
type tickBitmap map[int16]*uint256.Int

func compressTick(tick, tickSpacing int) int {
	compressed := tick / tickSpacing
	if tick < 0 && tick%tickSpacing != 0 {
		compressed--
	}
	return compressed
}

func bitmapPosition(compressed int) (int16, uint) {
	return int16(compressed >> 8), uint(compressed & 255)
}

// flip toggles the initialized bit for tick. The tick must sit on the
// spacing grid.
func (b tickBitmap) flip(tick, tickSpacing int) error {
	if tick%tickSpacing != 0 {
		return errTickNotSpaced
	}
	wordPos, bitPos := bitmapPosition(tick / tickSpacing)
	word, ok := b[wordPos]
	if !ok {
		word = new(uint256.Int)
		b[wordPos] = word
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bitPos)
	word.Xor(word, mask)
	if word.IsZero() {
		delete(b, wordPos)
	}
	return nil
}

// nextInitializedTickWithinOneWord returns the next initialized tick within
// the same bitmap word in the given direction, or the word boundary if none
// is set. lte scans toward decreasing ticks, inclusive of tick itself.
func (b tickBitmap) nextInitializedTickWithinOneWord(tick, tickSpacing int, lte bool) (int, bool) {
	compressed := compressTick(tick, tickSpacing)

	if lte {
		wordPos, bitPos := bitmapPosition(compressed)
		word := b.word(wordPos)

		// bits at or below bitPos
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), bitPos)
		mask.SubUint64(mask, 1)
		mask.Or(mask, new(uint256.Int).Lsh(uint256.NewInt(1), bitPos))
		masked := new(uint256.Int).And(word, mask)

		if masked.IsZero() {
			return (compressed - int(bitPos)) * tickSpacing, false
		}
		msb := mostSignificantBit(masked)
		return (compressed - int(bitPos) + msb) * tickSpacing, true
	}

	// Scan upward starting one past the current tick.
	wordPos, bitPos := bitmapPosition(compressed + 1)
	word := b.word(wordPos)

	// bits at or above bitPos
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bitPos)
	mask.SubUint64(mask, 1)
	mask.Not(mask)
	masked := new(uint256.Int).And(word, mask)

	if masked.IsZero() {
		return (compressed + 1 + int(255-bitPos)) * tickSpacing, false
	}
	lsb := leastSignificantBit(masked)
	return (compressed + 1 + lsb - int(bitPos)) * tickSpacing, true
}

func (b tickBitmap) word(pos int16) *uint256.Int {
	if w, ok := b[pos]; ok {
		return w
	}
	return new(uint256.Int)
}

func mostSignificantBit(x *uint256.Int) int {
	for i := 3; i >= 0; i-- {
		if x[i] != 0 {
			return i*64 + bits.Len64(x[i]) - 1
		}
	}
	return 0
}

func leastSignificantBit(x *uint256.Int) int {
	for i := 0; i < 4; i++ {
		if x[i] != 0 {
			return i*64 + bits.TrailingZeros64(x[i])
		}
	}
	return 0
}
