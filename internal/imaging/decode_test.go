package imaging

import (
	"errors"
	"image"
	"image/color"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ticket-desk/internal/apperror"
)

var _ = Describe("Decode", func() {
	var (
		data        []byte
		contentType string
		img         image.Image
		err         error
	)

	JustBeforeEach(func() {
		img, err = Decode(data, contentType)
	})

	When("given a PNG", func() {
		BeforeEach(func() {
			src := image.NewRGBA(image.Rect(0, 0, 4, 3))
			src.Set(1, 1, color.RGBA{R: 255, A: 255})
			var encErr error
			data, encErr = EncodePNG(src)
			Expect(encErr).NotTo(HaveOccurred())
			contentType = "image/png"
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should decode the pixels", func() {
			Expect(img.Bounds().Dx()).To(Equal(4))
			r, _, _, _ := img.At(1, 1).RGBA()
			Expect(r >> 8).To(Equal(uint32(255)))
		})
	})

	When("the content type is missing", func() {
		BeforeEach(func() {
			var encErr error
			data, encErr = EncodePNG(image.NewGray(image.Rect(0, 0, 2, 2)))
			Expect(encErr).NotTo(HaveOccurred())
			contentType = ""
		})

		It("should sniff the type from the data", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(2))
		})
	})

	When("given a non-image file", func() {
		BeforeEach(func() {
			data = []byte("hello, this is plain text")
			contentType = "text/plain"
		})

		It("returns a validation error", func() {
			var validationErr *apperror.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Fields[0].Field).To(Equal("file"))
		})
	})

	When("the image payload is corrupt", func() {
		BeforeEach(func() {
			data = []byte("not really a jpeg")
			contentType = "image/jpeg"
		})

		It("returns a validation error", func() {
			var validationErr *apperror.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
		})
	})
})

var _ = Describe("NormalizeContentType", func() {
	It("should strip parameters and lowercase", func() {
		Expect(NormalizeContentType(nil, " Image/JPEG; charset=binary")).To(Equal("image/jpeg"))
	})

	It("should detect HEIC by its ftyp box", func() {
		data := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c', 0, 0}
		Expect(NormalizeContentType(data, "application/octet-stream")).To(Equal("image/heic"))
	})
})

var _ = Describe("Downscale", func() {
	It("should leave small images alone", func() {
		src := image.NewRGBA(image.Rect(0, 0, 100, 50))
		Expect(Downscale(src, 200)).To(BeIdenticalTo(src))
	})

	It("should keep the aspect ratio", func() {
		src := image.NewRGBA(image.Rect(0, 0, 400, 100))
		out := Downscale(src, 200)
		Expect(out.Bounds().Dx()).To(Equal(200))
		Expect(out.Bounds().Dy()).To(Equal(50))
	})

	It("should fit portrait photos by height", func() {
		src := image.NewRGBA(image.Rect(0, 0, 300, 900))
		out := Downscale(src, 300)
		Expect(out.Bounds().Dx()).To(Equal(100))
		Expect(out.Bounds().Dy()).To(Equal(300))
	})
})
