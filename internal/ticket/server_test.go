package ticket

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Server", func() {
	var (
		backend     *mockBackend
		storage     *mockStorage
		reader      *mockReader
		session     *Session
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
		ticketID    string
	)

	anyPath := regexp.MustCompile(`^/.*$`)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(session, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, anyPath, server.Handler().ServeHTTP)
		}
	}

	do := func(method, path, contentType string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	postJSON := func(path, body string) *http.Response {
		return do(http.MethodPost, path, "application/json", strings.NewReader(body))
	}

	decode := func(resp *http.Response, v any) {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
	}

	BeforeEach(func() {
		backend = newMockBackend()
		storage = newMockStorage()
		reader = &mockReader{err: errors.New("recognizer offline")}
		session = NewSession(staff, backend,
			WithReader(reader),
			WithStorage(storage),
			WithIDGenerator(&mockIDGenerator{}),
		)
		auth = BasicAuth{}

		var err error
		ticketID, err = session.OpenTicket(context.Background(), "Bar")
		Expect(err).NotTo(HaveOccurred())

		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	addItems := func() {
		ctx := context.Background()
		_, err := session.AddLineItem(ctx, ticketID, "Cerveza", "Bebidas", dec("500"), 2)
		Expect(err).NotTo(HaveOccurred())
		_, err = session.AddLineItem(ctx, ticketID, "Papas", "Comida", dec("300"), 1)
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("GET /healthz", func() {
		It("reports ok", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("GET /api/session", func() {
		It("returns the operator", func() {
			resp := do(http.MethodGet, "/api/session", "", nil)
			var body struct {
				User        CurrentUser `json:"user"`
				OpenTickets int         `json:"open_tickets"`
			}
			decode(resp, &body)
			Expect(body.User.ID).To(Equal("staff-7"))
			Expect(body.OpenTickets).To(Equal(1))
		})
	})

	Describe("POST /api/tickets", func() {
		When("the area is given", func() {
			It("opens a ticket", func() {
				resp := postJSON("/api/tickets", `{"area": "Pool"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var t Ticket
				decode(resp, &t)
				Expect(t.ID).To(Equal("ticket-2"))
				Expect(t.Status).To(Equal(StatusOpen))
				Expect(t.Items).To(BeEmpty())
			})
		})

		When("the area is missing", func() {
			It("returns the field errors", func() {
				resp := postJSON("/api/tickets", `{}`)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

				var body map[string]any
				decode(resp, &body)
				Expect(body).To(HaveKey("fields"))
			})
		})

		When("the body is not JSON", func() {
			It("returns bad request", func() {
				resp := postJSON("/api/tickets", `nope`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the backend is down", func() {
			BeforeEach(func() {
				backend.createTicketErr = errors.New("connection refused")
			})

			It("returns service unavailable and flags the call as retryable", func() {
				resp := postJSON("/api/tickets", `{"area": "Pool"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

				var body map[string]any
				decode(resp, &body)
				Expect(body["retryable"]).To(BeTrue())
			})
		})
	})

	Describe("GET /api/tickets", func() {
		It("lists the open tickets", func() {
			resp := do(http.MethodGet, "/api/tickets", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var tickets []*Ticket
			decode(resp, &tickets)
			Expect(tickets).To(HaveLen(1))
			Expect(tickets[0].ID).To(Equal(ticketID))
		})
	})

	Describe("GET /api/tickets/{id}", func() {
		It("returns not found for unknown tickets", func() {
			resp := do(http.MethodGet, "/api/tickets/missing", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/tickets/{id}/items", func() {
		It("adds the item", func() {
			resp := postJSON("/api/tickets/"+ticketID+"/items", `{"description": "Cerveza", "category": "Bebidas", "unit_price": "500", "quantity": 2}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var item LineItem
			decode(resp, &item)
			Expect(item.ID).NotTo(BeEmpty())
			Expect(item.Subtotal().Equal(dec("1000"))).To(BeTrue())
		})

		It("accepts numeric prices", func() {
			resp := postJSON("/api/tickets/"+ticketID+"/items", `{"description": "Agua", "unit_price": 150.5, "quantity": 1}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("rejects a zero quantity", func() {
			resp := postJSON("/api/tickets/"+ticketID+"/items", `{"description": "Agua", "unit_price": "150", "quantity": 0}`)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("DELETE /api/tickets/{id}/items/{itemID}", func() {
		It("removes the item", func() {
			addItems()
			t, _ := session.Get(ticketID)
			resp := do(http.MethodDelete, "/api/tickets/"+ticketID+"/items/"+t.Items[0].ID, "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})

	Describe("POST /api/tickets/{id}/close", func() {
		When("a transfer covers part of the total", func() {
			It("returns the partial outcome", func() {
				addItems()
				resp := postJSON("/api/tickets/"+ticketID+"/close",
					`{"kind": "PAY", "method": "TRANSFER", "amount": "800", "metadata": {"amount": "800", "operation": "75123456789", "bank": "Mercado Pago"}}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var result CloseResult
				decode(resp, &result)
				Expect(result.Outcome).To(Equal(OutcomePartial))
				Expect(result.Remaining.Equal(dec("500"))).To(BeTrue())
			})
		})

		When("the transfer overpays", func() {
			It("settles and includes the warning", func() {
				addItems()
				resp := postJSON("/api/tickets/"+ticketID+"/close",
					`{"kind": "PAY", "method": "TRANSFER", "amount": "1400", "metadata": {"operation": "1"}}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var result CloseResult
				decode(resp, &result)
				Expect(result.Outcome).To(Equal(OutcomeSettled))
				Expect(result.Warning).NotTo(BeNil())
				Expect(result.Warning.Excess).To(Equal("100.00"))
			})
		})

		When("the ticket is empty", func() {
			It("returns conflict with the rejected result", func() {
				resp := postJSON("/api/tickets/"+ticketID+"/close", `{"kind": "PAY", "method": "CASH"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))

				var body struct {
					Error  string      `json:"error"`
					Result CloseResult `json:"result"`
				}
				decode(resp, &body)
				Expect(body.Error).To(ContainSubstring("no billable items"))
				Expect(body.Result.Outcome).To(Equal(OutcomeRejected))
			})
		})

		When("the ticket was already settled", func() {
			It("returns conflict", func() {
				addItems()
				_, err := session.RequestClose(context.Background(), ticketID, ChargeToRoom("Hab. 3"))
				Expect(err).NotTo(HaveOccurred())

				resp := postJSON("/api/tickets/"+ticketID+"/close", `{"kind": "PAY", "method": "CASH"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})
	})

	Describe("POST /api/tickets/{id}/finalize", func() {
		It("returns conflict when nothing is pending", func() {
			resp := postJSON("/api/tickets/"+ticketID+"/finalize", ``)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("completes a pending settlement", func() {
			addItems()
			backend.closeTicketErr = errors.New("closing failed")
			_, err := session.RequestClose(context.Background(), ticketID, Destination{Kind: KindPay, Method: MethodCash})
			Expect(err).To(HaveOccurred())
			backend.closeTicketErr = nil

			resp := postJSON("/api/tickets/"+ticketID+"/finalize", ``)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("DELETE /api/tickets/{id}", func() {
		It("cancels the ticket", func() {
			resp := do(http.MethodDelete, "/api/tickets/"+ticketID, "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(backend.cancelled).To(ConsistOf(ticketID))
		})
	})

	Describe("receipts", func() {
		upload := func(filename string, data []byte) *http.Response {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			part, err := writer.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			part.Write(data)
			writer.Close()
			return do(http.MethodPost, "/api/tickets/"+ticketID+"/receipts", writer.FormDataContentType(), &b)
		}

		pngHeader := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

		When("recognition is unavailable", func() {
			It("returns a manual entry draft", func() {
				resp := upload("transferencia.png", pngHeader)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var capture Capture
				decode(resp, &capture)
				Expect(capture.ManualEntry).To(BeTrue())
				Expect(capture.Draft.ReceiptRef).To(Equal(capture.ImageRef))
			})
		})

		When("the file is not an image", func() {
			It("returns unprocessable entity", func() {
				resp := upload("notes.txt", []byte("hello there"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		When("no file is sent", func() {
			It("returns bad request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				writer.WriteField("note", "x")
				writer.Close()
				resp := do(http.MethodPost, "/api/tickets/"+ticketID+"/receipts", writer.FormDataContentType(), &b)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("a draft exists", func() {
			var capture *Capture

			BeforeEach(func() {
				var err error
				capture, err = session.ScanReceipt(context.Background(), ticketID, "comprobante.png", pngHeader, "image/png")
				Expect(err).NotTo(HaveOccurred())
			})

			It("lists it", func() {
				resp := do(http.MethodGet, "/api/tickets/"+ticketID+"/receipts", "", nil)
				var captures []*Capture
				decode(resp, &captures)
				Expect(captures).To(HaveLen(1))
			})

			It("serves the photo", func() {
				resp := do(http.MethodGet, "/api/receipts/"+capture.ImageRef, "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			})

			It("discards it", func() {
				resp := do(http.MethodDelete, "/api/tickets/"+ticketID+"/receipts/"+capture.ID, "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(storage.files).To(BeEmpty())
			})
		})

		It("returns not found for unknown photos", func() {
			resp := do(http.MethodGet, "/api/receipts/missing.png", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := do(http.MethodOptions, "/api/tickets", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("sets headers on regular responses", func() {
			resp := do(http.MethodGet, "/api/tickets", "", nil)
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})

		It("applies the same headers when the server is used as a handler", func() {
			direct := ghttp.NewServer()
			defer direct.Close()
			direct.RouteToHandler(http.MethodOptions, anyPath, server.ServeHTTP)

			req, err := http.NewRequest(http.MethodOptions, direct.URL()+"/api/tickets", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp := do(http.MethodGet, "/api/tickets", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Ticket Desk"))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/tickets", nil)
			Expect(err).NotTo(HaveOccurred())
			credentials := base64.StdEncoding.EncodeToString([]byte("user:pass"))
			req.Header.Set("Authorization", "Basic "+credentials)
			Expect(server.authenticate(req)).To(BeTrue())
		})

		It("rejects wrong passwords", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/tickets", nil)
			Expect(err).NotTo(HaveOccurred())
			credentials := base64.StdEncoding.EncodeToString([]byte("user:wrong"))
			req.Header.Set("Authorization", "Basic "+credentials)
			Expect(server.authenticate(req)).To(BeFalse())
		})

		It("leaves the health check open", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
