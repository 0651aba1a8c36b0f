// Package thumbnail renders preview images for cache entries.
package thumbnail

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(imagick.Initialize)
}

// Generate writes a PNG thumbnail of src to dst, scaled to fit within
// maxSize on the longer edge while keeping aspect ratio.
func Generate(src, dst string, maxSize uint) error {
	ensureInit()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	w := mw.GetImageWidth()
	h := mw.GetImageHeight()
	if w == 0 || h == 0 {
		return fmt.Errorf("image %s has zero dimensions", src)
	}

	nw, nh := w, h
	if w >= h && w > maxSize {
		nh = h * maxSize / w
		nw = maxSize
	} else if h > w && h > maxSize {
		nw = w * maxSize / h
		nh = maxSize
	}
	if nw == 0 {
		nw = 1
	}
	if nh == 0 {
		nh = 1
	}

	if err := mw.ThumbnailImage(nw, nh); err != nil {
		return fmt.Errorf("thumbnail %s: %w", src, err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return err
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// Convert rewrites src to dst, inferring the output format from dst's
// extension and applying the given compression quality.
func Convert(src, dst string, quality uint) error {
	ensureInit()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if quality > 0 {
		if err := mw.SetImageCompressionQuality(quality); err != nil {
			return err
		}
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
