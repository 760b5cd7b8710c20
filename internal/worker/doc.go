/*
Package worker runs the sandbox side of the channel.

A Worker owns a goja runtime and a Loop. Every inbound request, timer
callback and reply is a loop job, so JavaScript runs on one goroutine
and requests are served strictly one at a time. The runtime has no
Node.js globals; it adds self and window aliases for the global scope,
console (written to the logger), reportError, setTimeout and callable,
which invokes the worker's callable registry.

Values cross the boundary as codec values. JavaScript functions leave
as Function values carrying their source; Go functions and remote stubs
enter as native JavaScript functions. A stub waiting for the host keeps
the loop running, so the host may call back into the worker before it
answers.
*/
package worker
