package bill

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/categorize"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/extraction"
)

// multipartUpload builds a multipart body with a single "file" part
func multipartUpload(filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(h)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeError(resp *http.Response) string {
	var body map[string]string
	Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
	return body["error"]
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		extractor   *mockExtractor
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		service = NewServiceWithDeps(db, storage, extractor,
			&mockCategorizer{result: &categorize.Categorization{Category: "Utilities", Confidence: 90, Reasoning: "Power"}},
			&mockIDGenerator{id: "id-1"}, &mockTimeSource{now: time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = newMockExtractor()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("health", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should answer without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/bills")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/bills", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject a wrong password", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/bills", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "guess")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("CORS preflight", func() {
		It("should answer OPTIONS with no content", func() {
			req, err := http.NewRequest("OPTIONS", ghttpServer.URL()+"/api/bills/process", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	Describe("handleProcessBill", func() {
		var (
			filename    string
			contentType string
			accept      string
			resp        *http.Response
		)

		BeforeEach(func() {
			filename = "bill.pdf"
			contentType = "application/pdf"
			accept = ""
		})

		JustBeforeEach(func() {
			body, formType := multipartUpload(filename, contentType, []byte("%PDF-1.4"))
			req, err := http.NewRequest("POST", ghttpServer.URL()+"/api/bills/process", body)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", formType)
			if accept != "" {
				req.Header.Set("Accept", accept)
			}
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			resp.Body.Close()
		})

		When("processing succeeds", func() {
			It("should return the processed bill", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var processed ProcessedBill
				Expect(json.NewDecoder(resp.Body).Decode(&processed)).To(Succeed())
				Expect(processed.Name).To(Equal("City Power & Light"))
				Expect(processed.Amount).To(Equal(6120))
				Expect(processed.Category).To(Equal("Utilities"))
				Expect(processed.DueDate).To(Equal("2024-04-12"))
			})
		})

		When("the client asks for streamed progress", func() {
			BeforeEach(func() {
				accept = "application/x-ndjson"
			})

			It("should stream progress lines followed by the bill", func() {
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))
				var lines []map[string]json.RawMessage
				scanner := bufio.NewScanner(resp.Body)
				for scanner.Scan() {
					var line map[string]json.RawMessage
					Expect(json.Unmarshal(scanner.Bytes(), &line)).To(Succeed())
					lines = append(lines, line)
				}
				Expect(lines).To(HaveLen(3))
				Expect(lines[0]).To(HaveKey("progress"))
				Expect(lines[1]).To(HaveKey("progress"))
				Expect(lines[2]).To(HaveKey("bill"))

				var p extraction.Progress
				Expect(json.Unmarshal(lines[1]["progress"], &p)).To(Succeed())
				Expect(p.Percent).To(Equal(100))
				Expect(p.Stage).To(Equal(extraction.StageDone))
			})
		})

		When("the file type is not supported", func() {
			BeforeEach(func() {
				filename = "notes.txt"
				contentType = "text/plain"
			})

			It("should return unsupported media type", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
				Expect(decodeError(resp)).To(ContainSubstring("not supported"))
			})
		})

		When("the document cannot be read", func() {
			BeforeEach(func() {
				extractor.err = &extraction.Error{Kind: extraction.ErrDocumentParse, Err: errors.New("no xref")}
			})

			It("should return unprocessable entity", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(decodeError(resp)).To(ContainSubstring("Could not read the document"))
			})
		})

		When("recognition fails", func() {
			BeforeEach(func() {
				extractor.err = &extraction.Error{Kind: extraction.ErrRecognition, Page: 1, Err: errors.New("timeout")}
			})

			It("should return service unavailable", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(decodeError(resp)).To(ContainSubstring("try again"))
			})
		})

		When("recognition fails while streaming", func() {
			BeforeEach(func() {
				accept = "application/x-ndjson"
				extractor.err = &extraction.Error{Kind: extraction.ErrRecognition, Page: 1, Err: errors.New("timeout")}
			})

			It("should end the stream with a retryable error line", func() {
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
				var last struct {
					Error     string `json:"error"`
					Status    int    `json:"status"`
					Retryable bool   `json:"retryable"`
				}
				Expect(json.Unmarshal(lines[len(lines)-1], &last)).To(Succeed())
				Expect(last.Status).To(Equal(http.StatusServiceUnavailable))
				Expect(last.Retryable).To(BeTrue())
			})
		})
	})

	Describe("handleProcessBill without a file", func() {
		It("should return bad request", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("other", "value")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(ghttpServer.URL()+"/api/bills/process", writer.FormDataContentType(), body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(ContainSubstring("No file"))
		})
	})

	Describe("handleSaveBill", func() {
		It("should create the bill", func() {
			payload := `{"name":"City Power","amount":6120,"category":"Utilities","due_date":"2024-04-12"}`
			resp, err := http.Post(ghttpServer.URL()+"/api/bills", "application/json", bytes.NewBufferString(payload))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var bill Bill
			Expect(json.NewDecoder(resp.Body).Decode(&bill)).To(Succeed())
			Expect(bill.ID).To(Equal("id-1"))
			Expect(bill.Status).To(Equal(StatusUpcoming))
			Expect(db.bills).To(HaveKey("id-1"))
		})

		It("should reject invalid bills", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/bills", "application/json", bytes.NewBufferString(`{"name":""}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject malformed JSON", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/bills", "application/json", bytes.NewBufferString(`{`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(Equal("Invalid request body"))
		})
	})

	Describe("reading bills", func() {
		BeforeEach(func() {
			db.bills["b1"] = &Bill{ID: "b1", Name: "City Power", Filename: "b1.pdf", ContentType: "application/pdf"}
			storage.files["b1.pdf"] = []byte("%PDF")
		})

		It("should list bills", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/bills")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			var bills []*Bill
			Expect(json.NewDecoder(resp.Body).Decode(&bills)).To(Succeed())
			Expect(bills).To(HaveLen(1))
		})

		It("should get one bill", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/bills/b1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should return not found for unknown bills", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/bills/nope")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should serve the bill file", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/bills/b1/file")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("%PDF")))
		})

		It("should export a workbook", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/bills/export.xlsx")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("bills.xlsx"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body[:2]).To(Equal([]byte("PK")))
		})
	})

	Describe("handleDeleteBill", func() {
		BeforeEach(func() {
			db.bills["b1"] = &Bill{ID: "b1"}
		})

		It("should delete the bill", func() {
			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/bills/b1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.bills).To(BeEmpty())
		})

		It("should return not found for unknown bills", func() {
			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/bills/nope", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
