package trackengine

import "image"

// downscale performs a nearest-neighbour resize so the longest image side
// equals maxDim. Upscaling is not performed: when the image already fits,
// it is returned as-is with scale 1. The returned scale converts original
// coordinates into scaled ones.
func downscale(img image.Image, maxDim int) (image.Image, float32) {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	longest := srcW
	if srcH > longest {
		longest = srcH
	}
	if longest <= maxDim || longest == 0 {
		return img, 1
	}

	scale := float32(maxDim) / float32(longest)
	dstW := int(float32(srcW) * scale)
	dstH := int(float32(srcH) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			srcX := bounds.Min.X + x*srcW/dstW
			srcY := bounds.Min.Y + y*srcH/dstH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst, scale
}

// luminancePlane samples the image into a w*h grayscale plane.
func luminancePlane(img image.Image, w, h int) []uint8 {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	plane := make([]uint8, w*h)
	if srcW == 0 || srcH == 0 {
		return plane
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			srcX := bounds.Min.X + x*srcW/w
			srcY := bounds.Min.Y + y*srcH/h
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			// BT.601 luma over 8-bit channels.
			lum := (299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000
			plane[y*w+x] = uint8(lum)
		}
	}
	return plane
}
