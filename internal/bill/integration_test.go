package bill_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/bill"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/categorize"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/extraction"
)

// fakeEngine stands in for tesseract and returns canned text
type fakeEngine struct {
	text   string
	images []extraction.Image
}

func (f *fakeEngine) Recognize(ctx context.Context, img extraction.Image, onProgress func(float64)) (extraction.RecognitionResult, error) {
	f.images = append(f.images, img)
	if onProgress != nil {
		onProgress(0.5)
		onProgress(1)
	}
	return extraction.RecognitionResult{Text: f.text}, nil
}

func pngUpload() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4)))).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Integration", func() {
	var (
		tempDir      string
		db           bill.DB
		store        bill.Storage
		engine       *fakeEngine
		ollamaServer *ghttp.Server
		server       *bill.Server
		ghServer     *ghttp.Server
		err          error
	)

	BeforeEach(func() {
		tempDir, err = os.MkdirTemp("", "billbox-test-*")
		Expect(err).NotTo(HaveOccurred())

		db, err = bill.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = bill.NewLocalStorage(filepath.Join(tempDir, "bills"))
		Expect(err).NotTo(HaveOccurred())

		engine = &fakeEngine{text: "City Power & Light\nAmount Due: $61.20\nDue Date: 04/12/2024"}
		extractor := extraction.New(nil, engine, extraction.Config{})

		ollamaServer = ghttp.NewServer()
		ollamaServer.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/api/chat"),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"message": map[string]string{
					"role":    "assistant",
					"content": `{"category":"Utilities","confidence":88,"reasoning":"Electric utility bill"}`,
				},
				"done": true,
			}),
		))
		categorizer, err := categorize.NewOllama(ollamaServer.URL(), "")
		Expect(err).NotTo(HaveOccurred())

		service := bill.NewService(db, store, extractor, categorizer)
		server = bill.NewServer(service, bill.BasicAuth{})

		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghServer.Close()
		ollamaServer.Close()
		db.Close()
		os.RemoveAll(tempDir)
	})

	It("should process an upload, save the bill and serve its file", func() {
		// process, save, download the file, list
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)

		// --- Step 1: Process ---
		upload := pngUpload()
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "power-bill.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(upload)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		req, err := http.NewRequest("POST", ghServer.URL()+"/api/bills/process", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var processed bill.ProcessedBill
		Expect(json.NewDecoder(resp.Body).Decode(&processed)).To(Succeed())
		Expect(processed.Name).To(Equal("City Power & Light"))
		Expect(processed.Amount).To(Equal(6120))
		Expect(processed.DueDate).To(Equal("2024-04-12"))
		Expect(processed.Category).To(Equal("Utilities"))
		Expect(processed.Confidence).To(Equal(88))
		Expect(processed.ContentType).To(Equal("image/png"))

		Expect(engine.images).To(HaveLen(1))
		Expect(ollamaServer.ReceivedRequests()).To(HaveLen(1))

		stored, err := store.Get(context.Background(), processed.Filename)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(Equal(upload))

		// Nothing is saved until the user confirms
		bills, err := db.ListBills()
		Expect(err).NotTo(HaveOccurred())
		Expect(bills).To(BeEmpty())

		// --- Step 2: Save ---
		saveBody, err := json.Marshal(bill.BillInput{
			Name:        processed.Name,
			Amount:      processed.Amount,
			Category:    processed.Category,
			Description: processed.Description,
			DueDate:     processed.DueDate,
			Filename:    processed.Filename,
			ContentType: processed.ContentType,
		})
		Expect(err).NotTo(HaveOccurred())
		saveResp, err := http.Post(ghServer.URL()+"/api/bills", "application/json", bytes.NewReader(saveBody))
		Expect(err).NotTo(HaveOccurred())
		defer saveResp.Body.Close()
		Expect(saveResp.StatusCode).To(Equal(http.StatusCreated))

		var saved bill.Bill
		Expect(json.NewDecoder(saveResp.Body).Decode(&saved)).To(Succeed())
		Expect(saved.ID).NotTo(BeEmpty())
		Expect(saved.Status).To(Equal(bill.StatusUpcoming))

		// --- Step 3: Download the original file ---
		fileResp, err := http.Get(ghServer.URL() + "/api/bills/" + saved.ID + "/file")
		Expect(err).NotTo(HaveOccurred())
		defer fileResp.Body.Close()
		Expect(fileResp.Header.Get("Content-Type")).To(Equal("image/png"))
		data, err := io.ReadAll(fileResp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal(upload))

		// --- Step 4: List ---
		listResp, err := http.Get(ghServer.URL() + "/api/bills")
		Expect(err).NotTo(HaveOccurred())
		defer listResp.Body.Close()
		var listed []bill.Bill
		Expect(json.NewDecoder(listResp.Body).Decode(&listed)).To(Succeed())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].Name).To(Equal("City Power & Light"))
	})
})
