package detector

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"
)

// ErrDecode marks a malformed frame payload. Callers drop the frame and keep
// the stream going; a single bad frame never blocks subsequent frames.
var ErrDecode = errors.New("frame decode failed")

// DecodeFrame decodes an encoded image payload (JPEG or PNG) into a pixel
// buffer. Stateless.
func DecodeFrame(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}
