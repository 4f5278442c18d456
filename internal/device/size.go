package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Size is a frame size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// ParseSize parses "WIDTHxHEIGHT".
func ParseSize(s string) (Size, error) {
	var sz Size
	if n, err := fmt.Sscanf(s, "%dx%d", &sz.Width, &sz.Height); n != 2 || err != nil {
		return Size{}, errors.Errorf("invalid size %q, expected WIDTHxHEIGHT", s)
	}
	if sz.Empty() {
		return Size{}, errors.Errorf("invalid size %q", s)
	}
	return sz, nil
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// ChooseSize picks a frame size from the supported list: an exact match of the
// preference, else the nearest by |Δwidth|+|Δheight|, else the first entry.
// The zero Size is returned only for an empty list.
func ChooseSize(supported []Size, preferred Size) Size {
	if len(supported) == 0 {
		return Size{}
	}
	if preferred.Empty() {
		return supported[0]
	}

	best := -1
	bestDist := 0
	for i, s := range supported {
		if s == preferred {
			return s
		}
		d := abs(s.Width-preferred.Width) + abs(s.Height-preferred.Height)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return supported[0]
	}
	return supported[best]
}
