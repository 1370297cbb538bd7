package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// blankPDF builds a minimal PDF with the given number of empty US Letter pages
func blankPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

var _ = Describe("FitzRasterizer", func() {
	var (
		rasterizer *FitzRasterizer
		data       []byte
		events     []PageProgress
		pages      []PageImage
		err        error
	)

	BeforeEach(func() {
		rasterizer = &FitzRasterizer{}
		data = blankPDF(2)
		events = nil
	})

	JustBeforeEach(func() {
		pages, err = rasterizer.Rasterize(context.Background(),
			SourceDocument{Name: "bill.pdf", MediaType: "application/pdf", Data: data},
			func(p PageProgress) { events = append(events, p) })
	})

	When("rendering a valid document", func() {
		It("should render every page in order", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(pages).To(HaveLen(2))
			for i, p := range pages {
				Expect(p.Index).To(Equal(i + 1))
				Expect(p.Total).To(Equal(2))
			}
		})

		It("should render at twice the nominal resolution", func() {
			Expect(pages[0].Width).To(BeNumerically("~", 1224, 2))
			Expect(pages[0].Height).To(BeNumerically("~", 1584, 2))
		})

		It("should report exactly one event per page", func() {
			Expect(events).To(Equal([]PageProgress{
				{CurrentPage: 1, TotalPages: 2, Percent: 50},
				{CurrentPage: 2, TotalPages: 2, Percent: 100},
			}))
		})
	})

	When("the scale is below the minimum", func() {
		BeforeEach(func() {
			rasterizer.Scale = 1
		})

		It("should still use the minimum scale", func() {
			Expect(pages[0].Width).To(BeNumerically("~", 1224, 2))
		})
	})

	When("the document has more pages than allowed", func() {
		BeforeEach(func() {
			rasterizer.MaxPages = 1
		})

		It("should fail before rendering", func() {
			Expect(errors.Is(err, ErrDocumentParse)).To(BeTrue())
			Expect(events).To(BeEmpty())
		})
	})

	When("the data is not a document", func() {
		BeforeEach(func() {
			data = []byte("this is not a pdf")
		})

		It("should fail with a document parse error", func() {
			Expect(errors.Is(err, ErrDocumentParse)).To(BeTrue())
			Expect(pages).To(BeNil())
		})

		It("should explain the failure with the pdfcpu error", func() {
			Expect(err.Error()).To(ContainSubstring("pdfcpu"))
		})
	})

	It("should support the MuPDF document types only", func() {
		Expect(rasterizer.Supports("application/pdf")).To(BeTrue())
		Expect(rasterizer.Supports("Application/PDF")).To(BeTrue())
		Expect(rasterizer.Supports("image/jpeg")).To(BeFalse())
	})
})

// fakeSource stands in for a MuPDF document
type fakeSource struct {
	pages   int
	hang    chan struct{} // when set, ImageDPI blocks until it is closed
	renders atomic.Int32
	closed  atomic.Bool
}

func (f *fakeSource) NumPage() int { return f.pages }

func (f *fakeSource) ImageDPI(page int, dpi float64) (*image.RGBA, error) {
	f.renders.Add(1)
	if f.hang != nil {
		<-f.hang
	}
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

var _ = Describe("FitzRasterizer with a stubbed engine", func() {
	var (
		source     *fakeSource
		opens      int
		rasterizer *FitzRasterizer
	)

	BeforeEach(func() {
		source = &fakeSource{pages: 3}
		opens = 0
		rasterizer = &FitzRasterizer{open: func([]byte) (pageSource, error) {
			opens++
			return source, nil
		}}
	})

	When("a page hangs the engine", func() {
		It("should give up when the context expires and close the document later", func() {
			source.hang = make(chan struct{})
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			began := time.Now()
			pages, err := rasterizer.Rasterize(ctx, SourceDocument{MediaType: "image/tiff", Data: []byte("II*")}, nil)
			Expect(time.Since(began)).To(BeNumerically("<", time.Second))
			Expect(errors.Is(err, ErrDocumentParse)).To(BeTrue())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(pages).To(BeNil())
			Expect(source.closed.Load()).To(BeFalse())

			close(source.hang)
			Eventually(source.closed.Load).Should(BeTrue())
			Expect(source.renders.Load()).To(Equal(int32(1)))
		})
	})

	When("the PDF has more pages than allowed", func() {
		It("should refuse it from the pdfcpu count without opening it", func() {
			rasterizer.MaxPages = 2
			_, err := rasterizer.Rasterize(context.Background(), SourceDocument{MediaType: "application/pdf", Data: blankPDF(3)}, nil)
			Expect(errors.Is(err, ErrDocumentParse)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("3 pages, limit is 2"))
			Expect(opens).To(BeZero())
		})
	})

	When("a non-PDF document has more pages than allowed", func() {
		It("should refuse it from the engine count before rendering", func() {
			rasterizer.MaxPages = 2
			_, err := rasterizer.Rasterize(context.Background(), SourceDocument{MediaType: "image/tiff", Data: []byte("II*")}, nil)
			Expect(errors.Is(err, ErrDocumentParse)).To(BeTrue())
			Expect(opens).To(Equal(1))
			Eventually(source.closed.Load).Should(BeTrue())
			Expect(source.renders.Load()).To(BeZero())
		})
	})

	When("the engine cannot open the document", func() {
		It("should report the engine error alone when the preflight passed", func() {
			rasterizer.open = func([]byte) (pageSource, error) { return nil, errors.New("no objects found") }
			_, err := rasterizer.Rasterize(context.Background(), SourceDocument{MediaType: "application/pdf", Data: blankPDF(1)}, nil)
			Expect(errors.Is(err, ErrDocumentParse)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("no objects found"))
			Expect(err.Error()).NotTo(ContainSubstring("pdfcpu"))
		})
	})
})

var _ = Describe("toPNG", func() {
	It("should pass PNG data through untouched", func() {
		png, err := encodePNG(image.NewGray(image.Rect(0, 0, 3, 3)))
		Expect(err).NotTo(HaveOccurred())
		out, err := toPNG(png, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(png))
	})

	It("should re-encode JPEG as PNG", func() {
		out, err := toPNG(jpegBytes(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(out[:4]).To(Equal([]byte("\x89PNG")))
	})

	It("should recognize HEIC brands", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypisom\x00\x00"))).To(BeFalse())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
	})
})
