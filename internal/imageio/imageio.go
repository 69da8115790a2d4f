// Package imageio decodes uploaded image bytes into a canonical RGB raster.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"gocv.io/x/gocv"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

var (
	// ErrEmpty is returned for a zero-length upload.
	ErrEmpty = errors.New("empty image data")

	// ErrNotImage is returned when the bytes are not a decodable image.
	ErrNotImage = errors.New("not a valid image")
)

// Image is an orientation-corrected RGB raster. The Mat is 8UC3 with
// channels in R,G,B order. Callers own the Mat and must call Close.
type Image struct {
	Mat    gocv.Mat
	Width  int
	Height int
}

// Close releases the underlying pixel buffer.
func (im *Image) Close() {
	if im != nil && !im.Mat.Empty() {
		im.Mat.Close()
	}
}

// Decode turns raw upload bytes into an RGB raster. JPEG and PNG are always
// supported; TIFF and BMP come from the x/image format registrations above.
// EXIF orientation flags 3, 6 and 8 are applied; other orientations are
// left unrotated.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	mat := rgbMat(img)

	if rot, ok := orientationRotation(data); ok {
		rotated := gocv.NewMat()
		gocv.Rotate(mat, &rotated, rot)
		mat.Close()
		mat = rotated
	}

	return &Image{
		Mat:    mat,
		Width:  mat.Cols(),
		Height: mat.Rows(),
	}, nil
}

// rgbMat converts a decoded image.Image into an 8UC3 Mat in RGB channel order.
func rgbMat(img image.Image) gocv.Mat {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			mat.SetUCharAt(y, x*3+0, uint8(r>>8))
			mat.SetUCharAt(y, x*3+1, uint8(g>>8))
			mat.SetUCharAt(y, x*3+2, uint8(b>>8))
		}
	}

	return mat
}

// orientationRotation maps the EXIF orientation flag to the rotation that
// restores an upright raster. A missing or unparsable EXIF block is normal
// (PNG has none) and means no rotation.
func orientationRotation(data []byte) (gocv.RotateFlag, bool) {
	meta, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}
	tag, err := meta.Get(exif.Orientation)
	if err != nil {
		return 0, false
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return 0, false
	}

	switch orientation {
	case 3:
		return gocv.Rotate180Clockwise, true
	case 6:
		return gocv.Rotate90Clockwise, true
	case 8:
		return gocv.Rotate90CounterClockwise, true
	default:
		return 0, false
	}
}
