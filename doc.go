// Package reqflow is a composable client-side HTTP execution runtime: it
// turns an abstract request description into a response or a typed failure
// while applying cross-cutting resilience behavior without the caller
// needing to know which layers are active.
//
// Every layer implements the single Executor contract, and the client
// composes them at build time:
//
//	client -> circuit breaker -> retry interceptors -> middlewares -> transport
//
// The circuit breaker is a lock-free compare-and-swap state machine
// (CLOSED, OPEN, HALF_OPEN) with failure decay and a single-probe recovery
// gate. Retry interceptors replay transient failures with jittered backoff
// under a shared budget. The client applies default headers, authentication
// and the token-refresh loop for expired credentials.
//
// Three execution modes share one pipeline:
//
//	resp, err := client.Execute(ctx, req)              // synchronous, typed failures
//	future, _ := client.Async().ExecuteAsync(ctx, req) // worker pool, Future handle
//	result := client.Results().Execute(ctx, req)       // failures as values, never errors
//
// Example:
//
//	client, err := reqflow.New(
//	    reqflow.WithBaseURL("https://api.example.com"),
//	    reqflow.WithCircuitBreaker(
//	        reqflow.WithFailureThreshold(5),
//	        reqflow.WithResetTimeout(30*time.Second),
//	        reqflow.WithFailurePolicy(reqflow.ServerErrorsOnly),
//	    ),
//	    reqflow.WithRetry(
//	        reqflow.WithMaxAttempts(3),
//	        reqflow.WithExponentialBackoff(100*time.Millisecond, 5*time.Second),
//	    ),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := client.Execute(ctx, reqflow.Get("/users"))
package reqflow
