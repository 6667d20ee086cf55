package tile

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is returned for level/column/row values outside the pyramid.
	ErrInvalidAddress = errors.New("invalid tile address")
	// ErrInvalidBandCount is returned when a composite is requested with no bands.
	ErrInvalidBandCount = errors.New("invalid band count")
	// ErrOriginNotFound reports that the origin has no data for an address.
	ErrOriginNotFound = errors.New("tile not found at origin")
)

// ValidationError describes decoded tile data that does not match what the
// pyramid expects for its address.
type ValidationError struct {
	Key           string
	Width, Height int
	Channels      int
	WantW, WantH  int
	WantChannels  int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unexpected image decoded for %s (width: %d, height: %d, channels: %d; want %dx%d, %d channels)",
		e.Key, e.Width, e.Height, e.Channels, e.WantW, e.WantH, e.WantChannels)
}
