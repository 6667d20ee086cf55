package tile

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// NoBand marks an address that does not distinguish between spectral bands.
const NoBand = -1

// Address identifies one band of one tile of one image at one pyramid level.
// Level 0 is full resolution; each higher level halves both dimensions.
type Address struct {
	CollectionID string
	Timestamp    string
	Level        int
	Column       int
	Row          int
	Band         int
}

// Key returns the canonical cache key:
// collectionId/timestamp/level/column/row/band
func (a Address) Key() string {
	return fmt.Sprintf("%s/%s/%d/%d/%d/%d", a.CollectionID, a.Timestamp, a.Level, a.Column, a.Row, a.Band)
}

func (a Address) String() string {
	return fmt.Sprintf("%d (%d, %d) - %d", a.Level, a.Column, a.Row, a.Band)
}

// ImageKey identifies the source image the address belongs to.
func (a Address) ImageKey() string {
	return ImageKey(a.CollectionID, a.Timestamp)
}

// WithBand returns a copy of the address that differs only by band.
func (a Address) WithBand(band int) Address {
	a.Band = band
	return a
}

// Compare orders addresses by collection, timestamp, level, band, row, column.
func (a Address) Compare(b Address) int {
	if c := strings.Compare(a.CollectionID, b.CollectionID); c != 0 {
		return c
	}
	if c := strings.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Level, b.Level); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Band, b.Band); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	return cmp.Compare(a.Column, b.Column)
}

// ImageKey joins a collection and timestamp the way metadata is keyed.
func ImageKey(collectionID, timestamp string) string {
	return collectionID + "/" + timestamp
}

// ParseKey is the inverse of Address.Key. Collection IDs and timestamps must
// not contain '/'.
func ParseKey(key string) (Address, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 6 {
		return Address{}, fmt.Errorf("%w: malformed key %q", ErrInvalidAddress, key)
	}

	nums := make([]int, 4)
	for i, p := range parts[2:] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Address{}, fmt.Errorf("%w: malformed key %q", ErrInvalidAddress, key)
		}
		nums[i] = n
	}

	return Address{
		CollectionID: parts[0],
		Timestamp:    parts[1],
		Level:        nums[0],
		Column:       nums[1],
		Row:          nums[2],
		Band:         nums[3],
	}, nil
}
