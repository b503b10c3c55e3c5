package session

import (
	"errors"
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Resizer produces a size×size copy of img.
type Resizer func(img image.Image, size int) (image.Image, error)

// ResizeSquare scales img to size×size with Lanczos3, ignoring aspect ratio.
func ResizeSquare(img image.Image, size int) (out image.Image, err error) {
	// Bounds on a typed-nil image panics too.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("resize: %v", r)
		}
	}()
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("nothing to resize")
	}
	return resize.Resize(uint(size), uint(size), img, resize.Lanczos3), nil
}
