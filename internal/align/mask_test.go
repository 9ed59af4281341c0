package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDOFMaskString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "111111", AllDOF.String())
	assert.Equal(t, "000000", DOFMask(0).String())

	// Translation-only: bits 0..2 set, rendered rightmost.
	translations := DOFMask(1<<ParamCenterX | 1<<ParamCenterY | 1<<ParamCenterZ)
	assert.Equal(t, "000111", translations.String())
	assert.Equal(t, 3, translations.Count())
	assert.True(t, translations.Has(ParamCenterZ))
	assert.False(t, translations.Has(ParamRotX))
}

func TestParseDOFMask(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    DOFMask
		wantErr bool
	}{
		{"111111", AllDOF, false},
		{"000000", 0, false},
		{"000111", DOFMask(0x07), false},
		{"100000", DOFMask(1 << ParamRotZ), false},
		{"11111", 0, true},
		{"1111111", 0, true},
		{"00011x", 0, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDOFMask(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			// Round trip through String.
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestFreeIndices(t *testing.T) {
	t.Parallel()

	assert.Len(t, AllDOF.freeIndices(3), 18)
	assert.Empty(t, DOFMask(0).freeIndices(3))

	mask := DOFMask(1<<ParamCenterX | 1<<ParamRotZ)
	got := mask.freeIndices(2)
	assert.Equal(t, []int{0, 5, 6, 11}, got)
}
