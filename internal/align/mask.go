package align

import "fmt"

// ParamsDim is the number of rigid-body alignment parameters per surface:
// three translations followed by three rotations.
const ParamsDim = 6

// Alignment parameter indices within a surface's 6-DOF block.
const (
	ParamCenterX = iota
	ParamCenterY
	ParamCenterZ
	ParamRotX
	ParamRotY
	ParamRotZ
)

// DOFMask selects which of the six parameters are free in an iteration.
// Bit i corresponds to parameter index i.
type DOFMask uint8

// AllDOF leaves all six parameters free.
const AllDOF DOFMask = 0x3F

// Has reports whether parameter i is free under the mask.
func (m DOFMask) Has(i int) bool { return m&(1<<uint(i)) != 0 }

// Count returns the number of free parameters.
func (m DOFMask) Count() int {
	n := 0
	for i := 0; i < ParamsDim; i++ {
		if m.Has(i) {
			n++
		}
	}
	return n
}

// String renders the mask as six bits, most significant (rotZ) first,
// e.g. "111111" for AllDOF or "000111" for translation-only.
func (m DOFMask) String() string {
	b := make([]byte, ParamsDim)
	for i := 0; i < ParamsDim; i++ {
		if m.Has(ParamsDim - 1 - i) {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}

// ParseDOFMask parses the String form: six '0'/'1' characters with the
// rotZ bit leftmost and the centerX bit rightmost.
func ParseDOFMask(s string) (DOFMask, error) {
	if len(s) != ParamsDim {
		return 0, fmt.Errorf("DOF mask must be %d characters, got %q", ParamsDim, s)
	}
	var m DOFMask
	for i := 0; i < ParamsDim; i++ {
		switch s[i] {
		case '1':
			m |= 1 << uint(ParamsDim-1-i)
		case '0':
		default:
			return 0, fmt.Errorf("DOF mask may contain only 0 and 1, got %q", s)
		}
	}
	return m, nil
}

// freeIndices expands the mask over nSlots surfaces into the global list of
// free parameter indices in the stacked 6N vector.
func (m DOFMask) freeIndices(nSlots int) []int {
	free := make([]int, 0, nSlots*m.Count())
	for slot := 0; slot < nSlots; slot++ {
		for i := 0; i < ParamsDim; i++ {
			if m.Has(i) {
				free = append(free, slot*ParamsDim+i)
			}
		}
	}
	return free
}
