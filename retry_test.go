package reqflow_test

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	reqflow "github.com/reqflow/reqflow"
)

var _ = Describe("RetryInterceptor", func() {
	var (
		delegate *mockExecutor
		ctx      context.Context
		req      *reqflow.Request
	)

	BeforeEach(func() {
		delegate = &mockExecutor{
			executeFunc: func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return okResponse(), nil
			},
		}
		ctx = context.Background()
		req = reqflow.Get("/test")
	})

	Describe("Default Configuration", func() {
		It("should have MaxAttempts=3 in default config", func() {
			config := reqflow.DefaultRetryConfig()
			Expect(config.MaxAttempts).To(Equal(3))
		})

		It("should default to exponential backoff", func() {
			config := reqflow.DefaultRetryConfig()
			Expect(config.Strategy).To(Equal(reqflow.RetryStrategyExponential))
			Expect(config.Multiplier).To(Equal(2.0))
		})
	})

	Describe("Transient Failures", func() {
		It("should succeed after two failures with exponential delays", func() {
			calls := 0
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				calls++
				if calls <= 2 {
					return nil, reqflow.NewHTTPError(500, "", "server returned 500")
				}
				return okResponse(), nil
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(3),
				reqflow.WithExponentialBackoff(100*time.Millisecond, 5*time.Second),
			)

			start := time.Now()
			resp, err := interceptor.Execute(ctx, req)
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(200))
			Expect(delegate.getCallCount()).To(Equal(3))
			// ~100ms then ~200ms, each with up to 10% jitter either way.
			Expect(elapsed).To(BeNumerically(">=", 250*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", time.Second))
		})

		It("should surface the last failure when attempts run out", func() {
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewNetworkError("connection refused", nil)
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(3),
				reqflow.WithConstantBackoff(5*time.Millisecond),
			)

			_, err := interceptor.Execute(ctx, req)
			Expect(err).To(HaveOccurred())
			kind, ok := reqflow.KindOf(err)
			Expect(ok).To(BeTrue())
			Expect(kind).To(Equal(reqflow.KindNetwork))
			Expect(delegate.getCallCount()).To(Equal(3))
		})
	})

	Describe("Non-Retryable Failures", func() {
		It("should not retry 4xx responses", func() {
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewHTTPError(404, "", "server returned 404")
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(5),
				reqflow.WithConstantBackoff(time.Millisecond),
			)

			_, err := interceptor.Execute(ctx, req)
			Expect(reqflow.StatusCodeOf(err)).To(Equal(404))
			Expect(delegate.getCallCount()).To(Equal(1))
		})

		It("should not retry non-idempotent methods by default", func() {
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewHTTPError(503, "", "server returned 503")
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(5),
				reqflow.WithConstantBackoff(time.Millisecond),
			)

			_, err := interceptor.Execute(ctx, reqflow.Post("/orders", map[string]string{"sku": "a"}))
			Expect(err).To(HaveOccurred())
			Expect(delegate.getCallCount()).To(Equal(1))
		})

		It("should retry non-idempotent methods when explicitly allowed", func() {
			calls := 0
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				calls++
				if calls == 1 {
					return nil, reqflow.NewHTTPError(503, "", "server returned 503")
				}
				return okResponse(), nil
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(3),
				reqflow.WithConstantBackoff(time.Millisecond),
				reqflow.WithRetryPolicy(reqflow.RetryAllMethods),
			)

			_, err := interceptor.Execute(ctx, reqflow.Post("/orders", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(delegate.getCallCount()).To(Equal(2))
		})

		It("should not retry circuit-open rejections", func() {
			breaker := reqflow.NewCircuitBreaker(delegate,
				reqflow.WithFailureThreshold(1),
				reqflow.WithResetTimeout(time.Minute),
			)
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewHTTPError(500, "", "server returned 500")
			}
			_, _ = breaker.Execute(ctx, req)
			delegate.resetCallCount()

			interceptor := reqflow.NewRetryInterceptor(breaker,
				reqflow.WithMaxAttempts(5),
				reqflow.WithConstantBackoff(time.Millisecond),
			)
			_, err := interceptor.Execute(ctx, req)
			Expect(errors.Is(err, reqflow.ErrCircuitOpen)).To(BeTrue())
			Expect(delegate.getCallCount()).To(BeZero())
		})
	})

	Describe("Backoff Strategies", func() {
		It("should honor constant backoff", func() {
			calls := 0
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				calls++
				if calls <= 2 {
					return nil, reqflow.NewNetworkError("flaky", nil)
				}
				return okResponse(), nil
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(3),
				reqflow.WithConstantBackoff(30*time.Millisecond),
			)

			start := time.Now()
			_, err := interceptor.Execute(ctx, req)
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(elapsed).To(BeNumerically(">=", 60*time.Millisecond))
		})

		It("should honor a custom multiplier", func() {
			calls := 0
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				calls++
				if calls <= 2 {
					return nil, reqflow.NewNetworkError("flaky", nil)
				}
				return okResponse(), nil
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(3),
				reqflow.WithExponentialBackoff(20*time.Millisecond, time.Second),
				reqflow.WithMultiplier(3.0),
			)

			start := time.Now()
			_, err := interceptor.Execute(ctx, req)
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			// ~20ms then ~60ms.
			Expect(elapsed).To(BeNumerically(">=", 70*time.Millisecond))
		})
	})

	Describe("Deadlines", func() {
		It("should stop retrying once the context deadline passes", func() {
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewNetworkError("down", nil)
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(100),
				reqflow.WithConstantBackoff(20*time.Millisecond),
			)

			deadlineCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			_, err := interceptor.Execute(deadlineCtx, req)
			Expect(err).To(HaveOccurred())
			Expect(delegate.getCallCount()).To(BeNumerically("<", 10))
		})

		It("should fail immediately when the context is already done", func() {
			canceled, cancel := context.WithCancel(ctx)
			cancel()
			interceptor := reqflow.NewRetryInterceptor(delegate, reqflow.WithMaxAttempts(3))

			_, err := interceptor.Execute(canceled, req)
			Expect(err).To(HaveOccurred())
			Expect(delegate.getCallCount()).To(BeZero())
		})
	})

	Describe("Retry Budget", func() {
		It("should stop retrying when the shared budget runs out", func() {
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewNetworkError("down", nil)
			}
			client, err := reqflow.New(
				reqflow.WithTransport(delegate),
				reqflow.WithRetry(
					reqflow.WithMaxAttempts(10),
					reqflow.WithConstantBackoff(time.Millisecond),
				),
				reqflow.WithRetryBudget(2),
			)
			Expect(err).NotTo(HaveOccurred())

			_, execErr := client.Execute(ctx, req)
			Expect(errors.Is(execErr, reqflow.ErrRetryBudgetExceeded)).To(BeTrue())
			// Initial attempt plus the two budgeted retries.
			Expect(delegate.getCallCount()).To(Equal(3))
		})

		It("should bound retries across chained interceptors", func() {
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				return nil, reqflow.NewNetworkError("down", nil)
			}
			client, err := reqflow.New(
				reqflow.WithTransport(delegate),
				reqflow.WithRetry(
					reqflow.WithMaxAttempts(10),
					reqflow.WithConstantBackoff(time.Millisecond),
					reqflow.WithOrder(1),
				),
				reqflow.WithRetry(
					reqflow.WithMaxAttempts(10),
					reqflow.WithConstantBackoff(time.Millisecond),
					reqflow.WithOrder(2),
				),
				reqflow.WithRetryBudget(4),
			)
			Expect(err).NotTo(HaveOccurred())

			_, execErr := client.Execute(ctx, req)
			Expect(execErr).To(HaveOccurred())
			// Budget bounds total delegate calls regardless of how the two
			// interceptors split the retries.
			Expect(delegate.getCallCount()).To(BeNumerically("<=", 1+4+1))
		})
	})

	Describe("Statistics", func() {
		It("should track attempts, retries, successes, and failures", func() {
			calls := 0
			delegate.executeFunc = func(ctx context.Context, req *reqflow.Request) (*reqflow.Response, error) {
				calls++
				if calls == 1 {
					return nil, reqflow.NewNetworkError("flaky", nil)
				}
				return okResponse(), nil
			}
			interceptor := reqflow.NewRetryInterceptor(delegate,
				reqflow.WithMaxAttempts(3),
				reqflow.WithConstantBackoff(time.Millisecond),
			)

			_, err := interceptor.Execute(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			stats := interceptor.GetRetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(2)))
			Expect(stats.TotalRetries).To(Equal(int64(1)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(BeZero())
		})
	})

	Describe("Order", func() {
		It("should expose the configured order key", func() {
			interceptor := reqflow.NewRetryInterceptor(delegate, reqflow.WithOrder(7))
			Expect(interceptor.Order()).To(Equal(7))
		})
	})

	Describe("Invalid Configuration", func() {
		It("should reject non-positive max attempts without calling the delegate", func() {
			interceptor := reqflow.NewRetryInterceptor(delegate, reqflow.WithMaxAttempts(0))
			_, err := interceptor.Execute(ctx, req)
			Expect(err).To(HaveOccurred())
			Expect(delegate.getCallCount()).To(BeZero())
		})
	})
})

var _ = Describe("Retry Policies", func() {
	It("should treat GET, HEAD, PUT, DELETE, and OPTIONS as idempotent", func() {
		err := reqflow.NewNetworkError("down", nil)
		for _, method := range []string{
			http.MethodGet, http.MethodHead, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		} {
			req := reqflow.NewRequest(method, "/x")
			Expect(reqflow.DefaultRetryPolicy(req, err)).To(BeTrue(), method)
		}
	})

	It("should never retry POST or PATCH by default", func() {
		err := reqflow.NewNetworkError("down", nil)
		for _, method := range []string{http.MethodPost, http.MethodPatch} {
			req := reqflow.NewRequest(method, "/x")
			Expect(reqflow.DefaultRetryPolicy(req, err)).To(BeFalse(), method)
		}
	})

	It("should never retry 4xx", func() {
		req := reqflow.Get("/x")
		Expect(reqflow.DefaultRetryPolicy(req, reqflow.NewHTTPError(400, "", "bad"))).To(BeFalse())
		Expect(reqflow.DefaultRetryPolicy(req, reqflow.NewHTTPError(429, "", "limited"))).To(BeFalse())
	})
})
