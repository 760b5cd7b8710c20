/*
Package tracing provides lightweight span tracing for the worker server
and the RPC channel.

# Overview

A Tracer hands out spans that carry a trace id, their own span id and
the id of their parent. Finished spans are submitted to a buffered
collector that logs them through zap. Trace context travels in a
context.Context inside a process, in the X-Trace-ID and X-Span-ID
headers over HTTP, and in the trace and span fields of every RPC
envelope, so a call made while serving another call nests under it even
when it crosses back to the other peer.

A nil *Tracer and a nil *Span accept every call and do nothing.

# Usage

	tracer := tracing.New("sandbox-worker", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "eval")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
	span.SetTag("rpc.kind", "eval")
*/
package tracing
