package bgremover

import (
	"encoding/hex"
)

// RGB defines structure of Color. Memory representation is 0x00RRGGBB.
type RGB uint32

// String returns the color as #rrggbb.
func (rgb RGB) String() string {
	r, g, b := rgb.Split()
	return "#" + hex.EncodeToString([]byte{r, g, b})
}

// ToRGB converts separate R, G, B colors into RGB type.
func ToRGB(r, g, b uint32) RGB {
	return RGB((r&0x00FF)<<16 | (g&0x00FF)<<8 | (b & 0x00FF))
}

// Split returns R, G, B components.
func (rgb RGB) Split() (r, g, b uint8) {
	return uint8(rgb >> 16), uint8(rgb >> 8), uint8(rgb)
}

// Distance returns the largest per-channel difference between two colors.
func (rgb RGB) Distance(o RGB) int {
	r1, g1, b1 := rgb.Split()
	r2, g2, b2 := o.Split()
	d := absDiff(r1, r2)
	if v := absDiff(g1, g2); v > d {
		d = v
	}
	if v := absDiff(b1, b2); v > d {
		d = v
	}
	return d
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
