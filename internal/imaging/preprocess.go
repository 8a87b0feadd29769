package imaging

import (
	"image"
	"image/color"
	"math"
)

// contrastGain is the linear boost applied around the mid-grey point
const contrastGain = 1.5

// Preprocess conditions a receipt photo for text recognition: grayscale with
// a contrast stretch, global Otsu binarization, then a 3x3 median filter.
// The input is never modified and the output depends only on its pixels.
func Preprocess(src image.Image) *image.Gray {
	gray := Grayscale(src)
	binary := Binarize(gray, OtsuThreshold(Histogram(gray)))
	return MedianDenoise(binary)
}

// Grayscale converts an image to contrast-stretched luminosity
func Grayscale(src image.Image) *image.Gray {
	bounds := src.Bounds()
	dst := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			l := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			dst.SetGray(x, y, color.Gray{Y: clamp((l-128)*contrastGain + 128)})
		}
	}
	return dst
}

func clamp(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Histogram counts pixel intensities of a grayscale image
func Histogram(img *image.Gray) [256]int {
	var hist [256]int
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[img.PixOffset(bounds.Min.X, y):img.PixOffset(bounds.Max.X, y)]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist
}

// OtsuThreshold returns the intensity that maximizes the between-class
// variance of the histogram. When several thresholds share the maximum
// (e.g. two isolated peaks) the middle of that plateau is returned.
func OtsuThreshold(hist [256]int) uint8 {
	var total, sum float64
	for i, n := range hist {
		total += float64(n)
		sum += float64(i) * float64(n)
	}
	if total == 0 {
		return 0
	}

	var (
		weightB, sumB float64
		best          = -1.0
		first, last   int
	)
	for t := 0; t < 256; t++ {
		weightB += float64(hist[t])
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])

		meanB := sumB / weightB
		meanF := (sum - sumB) / weightF
		between := (weightB / total) * (weightF / total) * (meanB - meanF) * (meanB - meanF)

		switch {
		case between > best:
			best = between
			first, last = t, t
		case between == best:
			last = t
		}
	}
	if best < 0 {
		// single intensity: nothing to separate
		return 0
	}
	return uint8((first + last) / 2)
}

// Binarize maps intensities above the threshold to white and the rest to black
func Binarize(img *image.Gray, threshold uint8) *image.Gray {
	bounds := img.Bounds()
	dst := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.GrayAt(x, y).Y > threshold {
				dst.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return dst
}

// MedianDenoise replaces every interior pixel with the median of its 3x3
// neighbourhood. Samples are read from the unmodified source; the one pixel
// border is copied as is.
func MedianDenoise(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	dst := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		copy(dst.Pix[dst.PixOffset(bounds.Min.X, y):], src.Pix[src.PixOffset(bounds.Min.X, y):src.PixOffset(bounds.Max.X, y)])
	}

	var window [9]uint8
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					window[n] = src.GrayAt(x+dx, y+dy).Y
					n++
				}
			}
			dst.SetGray(x, y, color.Gray{Y: median9(window)})
		}
	}
	return dst
}

func median9(w [9]uint8) uint8 {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j-1] > w[j]; j-- {
			w[j-1], w[j] = w[j], w[j-1]
		}
	}
	return w[4]
}
