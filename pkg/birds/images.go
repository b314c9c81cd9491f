// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package birds

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// ResizeFilters maps the names accepted by the "resize_filter" hyperparameter to the imaging filters.
var ResizeFilters = map[string]imaging.ResampleFilter{
	"nearest":  imaging.NearestNeighbor,
	"bilinear": imaging.Linear,
	"bicubic":  imaging.CatmullRom,
	"lanczos":  imaging.Lanczos,
}

// ResizeFilterByName returns the filter for the given name, see ResizeFilters.
func ResizeFilterByName(name string) (imaging.ResampleFilter, error) {
	filter, found := ResizeFilters[name]
	if !found {
		return imaging.ResampleFilter{}, errors.Errorf("unknown resize filter %q, valid values are %q",
			name, xslices.SortedKeys(ResizeFilters))
	}
	return filter, nil
}

// LoadImage decodes the image file at imagePath. JPEG, PNG, GIF, BMP and WebP are supported.
func LoadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image")
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	return img, nil
}

// ResizeImage scales img to size x size. The aspect ratio is not preserved.
func ResizeImage(img image.Image, size int, filter imaging.ResampleFilter) image.Image {
	bounds := img.Bounds().Size()
	if bounds.X == size && bounds.Y == size {
		return img
	}
	return imaging.Resize(img, size, size, filter)
}

// LoadAndResize loads the image at imagePath and resizes it to size x size.
func LoadAndResize(imagePath string, size int, filter imaging.ResampleFilter) (image.Image, error) {
	img, err := LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return ResizeImage(img, size, filter), nil
}
