package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRational(t *testing.T) {
	r := Rational{Num: 30000, Den: 1001}
	require.InDelta(t, 29.97, r.Float64(), 0.01)
	require.Equal(t, "30000/1001", r.String())

	zero := Rational{}
	require.Equal(t, float64(0), zero.Float64())
}

func TestPixelFormatString(t *testing.T) {
	require.Equal(t, "BGRA32", PixelFormatBGRA32.String())
	require.Equal(t, "unknown", PixelFormat(99).String())
}

func TestBufferAllocate(t *testing.T) {
	info := Info{Width: 4, Height: 2, PixelFormat: PixelFormatBGRA32}

	var b Buffer
	require.False(t, b.IsValid())

	reallocated := b.Allocate(info)
	require.True(t, reallocated)
	require.True(t, b.IsValid())
	require.Equal(t, 16, b.Stride())
	require.GreaterOrEqual(t, b.Size(), b.Stride()*info.Height)

	// Same dims/format: no reallocation.
	reallocated = b.Allocate(info)
	require.False(t, reallocated)

	// Different dims: reallocates.
	bigger := Info{Width: 8, Height: 4, PixelFormat: PixelFormatBGRA32}
	reallocated = b.Allocate(bigger)
	require.True(t, reallocated)
	require.Equal(t, 32, b.Stride())
}

func TestBufferRelease(t *testing.T) {
	var b Buffer
	b.Allocate(Info{Width: 2, Height: 2, PixelFormat: PixelFormatRGB24})
	require.True(t, b.IsValid())

	b.Release()
	require.False(t, b.IsValid())
	require.Nil(t, b.Data())
}
