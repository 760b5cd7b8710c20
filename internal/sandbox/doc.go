/*
Package sandbox is the host's API for an isolated JavaScript worker.

A Sandbox runs code in its worker and moves values in both directions:

	sb, err := sandbox.New()
	if err != nil {
		return err
	}
	defer sb.Destroy()

	_ = sb.Set(ctx, "inc", func(x float64) float64 { return x + 1 })
	v, err := sb.Eval(ctx, "inc(41)") // 42

Functions cross as callable handles. A Go function passed to the worker
stays on the host and is invoked there; a JavaScript function returned
to the host is a stub that calls back into the worker. Errors keep their
name, message and stack, and regular expressions arrive as patterns.

New starts the worker in process. Dial connects to a worker server over
a WebSocket. Either way every operation is a permission-checked round
trip that fails with ErrInvalidState once Destroy has been called.
*/
package sandbox
