package reqflow_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	reqflow "github.com/reqflow/reqflow"
)

var _ = Describe("HTTPTransport", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		ctx     context.Context
	)

	BeforeEach(func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
		ctx = context.Background()
	})

	AfterEach(func() {
		server.Close()
	})

	It("should join relative paths to the base URL", func() {
		var gotPath string
		handler = func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_, _ = w.Write([]byte("{}"))
		}
		transport := reqflow.NewHTTPTransport(server.URL+"/", nil)

		resp, err := transport.Execute(ctx, reqflow.Get("/users/7"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))
		Expect(gotPath).To(Equal("/users/7"))
	})

	It("should encode query parameters", func() {
		var gotQuery string
		handler = func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte("{}"))
		}
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		_, err := transport.Execute(ctx, reqflow.Get("/search").
			WithQueryParam("q", "go http").
			WithQueryParam("limit", "5"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gotQuery).To(ContainSubstring("limit=5"))
		Expect(gotQuery).To(ContainSubstring("q=go+http"))
	})

	It("should send a JSON body with the right content type", func() {
		var gotBody []byte
		var gotContentType string
		handler = func(w http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = readAll(r)
			_, _ = w.Write([]byte("{}"))
		}
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		_, err := transport.Execute(ctx, reqflow.Post("/users", map[string]string{"name": "ada"}))
		Expect(err).NotTo(HaveOccurred())
		Expect(gotContentType).To(Equal("application/json"))
		Expect(gotBody).To(MatchJSON(`{"name":"ada"}`))
	})

	It("should send string bodies verbatim without forcing a content type", func() {
		var gotBody []byte
		handler = func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = readAll(r)
			_, _ = w.Write([]byte("{}"))
		}
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		_, err := transport.Execute(ctx, reqflow.Post("/raw", "plain payload"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(gotBody)).To(Equal("plain payload"))
	})

	It("should map a non-2xx response onto an http failure with the body", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"overloaded"}`))
		}
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		_, err := transport.Execute(ctx, reqflow.Get("/x"))
		Expect(err).To(HaveOccurred())

		var te *reqflow.TransportError
		Expect(errors.As(err, &te)).To(BeTrue())
		Expect(te.Kind).To(Equal(reqflow.KindHTTP))
		Expect(te.StatusCode).To(Equal(503))
		Expect(te.Body).To(Equal(`{"error":"overloaded"}`))
	})

	It("should map a 401 onto an unauthorized failure", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		_, err := transport.Execute(ctx, reqflow.Get("/x"))
		kind, ok := reqflow.KindOf(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(reqflow.KindUnauthorized))
	})

	It("should map connection failures onto a network failure", func() {
		server.Close()
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		_, err := transport.Execute(ctx, reqflow.Get("/x"))
		kind, ok := reqflow.KindOf(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(reqflow.KindNetwork))
		Expect(reqflow.StatusCodeOf(err)).To(BeZero())
	})

	It("should reject a relative path when no base URL is configured", func() {
		transport := reqflow.NewHTTPTransport("", nil)

		_, err := transport.Execute(ctx, reqflow.Get("/x"))
		kind, ok := reqflow.KindOf(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(reqflow.KindConfig))
	})

	It("should honor context cancellation", func() {
		block := make(chan struct{})
		defer close(block)
		handler = func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-block:
			case <-r.Context().Done():
			}
		}
		transport := reqflow.NewHTTPTransport(server.URL, nil)

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := transport.Execute(canceled, reqflow.Get("/slow"))
		Expect(err).To(HaveOccurred())
		kind, _ := reqflow.KindOf(err)
		Expect(kind).To(Equal(reqflow.KindNetwork))
	})

	It("should work end to end behind a client", func() {
		client, err := reqflow.New(reqflow.WithBaseURL(server.URL))
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Execute(ctx, reqflow.Get("/ok"))
		Expect(err).NotTo(HaveOccurred())

		type payload struct {
			OK bool `json:"ok"`
		}
		got, err := reqflow.As[payload](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.OK).To(BeTrue())
	})
})
