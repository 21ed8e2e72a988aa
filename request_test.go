package reqflow_test

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	reqflow "github.com/reqflow/reqflow"
)

var _ = Describe("Request", func() {
	It("should build fluently", func() {
		req := reqflow.NewRequest(http.MethodGet, "/users").
			WithHeader("Accept", "application/json").
			WithQueryParam("limit", "10").
			WithQueryParam("offset", "20")

		Expect(req.Method()).To(Equal(http.MethodGet))
		Expect(req.Path()).To(Equal("/users"))
		Expect(req.Header("Accept")).To(Equal("application/json"))
		Expect(req.QueryParam("limit")).To(Equal("10"))
		Expect(req.QueryParam("offset")).To(Equal("20"))
	})

	It("should provide method shorthands", func() {
		Expect(reqflow.Get("/x").Method()).To(Equal(http.MethodGet))
		Expect(reqflow.Post("/x", nil).Method()).To(Equal(http.MethodPost))
		Expect(reqflow.Put("/x", nil).Method()).To(Equal(http.MethodPut))
		Expect(reqflow.Patch("/x", nil).Method()).To(Equal(http.MethodPatch))
		Expect(reqflow.Delete("/x").Method()).To(Equal(http.MethodDelete))
		Expect(reqflow.Head("/x").Method()).To(Equal(http.MethodHead))
		Expect(reqflow.Options("/x").Method()).To(Equal(http.MethodOptions))
	})

	It("should merge header and query maps", func() {
		req := reqflow.Get("/x").
			WithHeaders(map[string]string{"A": "1", "B": "2"}).
			WithQueryParams(map[string]string{"q": "go"})

		Expect(req.Header("A")).To(Equal("1"))
		Expect(req.Header("B")).To(Equal("2"))
		Expect(req.QueryParam("q")).To(Equal("go"))
	})

	It("should set the JSON content type with WithJSON", func() {
		req := reqflow.Post("/x", nil).WithJSON(map[string]string{"name": "ada"})
		Expect(req.Header("Content-Type")).To(Equal("application/json"))
	})
})

var _ = Describe("Response", func() {
	It("should decode JSON bodies", func() {
		resp := &reqflow.Response{StatusCode: 200, Body: []byte(`{"name":"ada","id":7}`)}

		var out struct {
			Name string `json:"name"`
			ID   int    `json:"id"`
		}
		Expect(resp.Decode(&out)).To(Succeed())
		Expect(out.Name).To(Equal("ada"))
		Expect(out.ID).To(Equal(7))
	})

	It("should decode into a typed value with As", func() {
		type user struct {
			Name string `json:"name"`
		}
		resp := &reqflow.Response{StatusCode: 200, Body: []byte(`{"name":"ada"}`)}

		got, err := reqflow.As[user](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Name).To(Equal("ada"))
	})

	It("should report decode failures", func() {
		resp := &reqflow.Response{StatusCode: 200, Body: []byte("not json")}
		var out map[string]any
		Expect(resp.Decode(&out)).NotTo(Succeed())
	})

	It("should expose the body as a string", func() {
		resp := &reqflow.Response{StatusCode: 200, Body: []byte("hello")}
		Expect(resp.String()).To(Equal("hello"))
	})
})
