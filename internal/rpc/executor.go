package rpc

// Executor runs inbound work. The host runs each job on its own
// goroutine; the worker queues jobs onto its single loop.
type Executor interface {
	Execute(job func())
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(job func())

// Execute calls f
func (f ExecutorFunc) Execute(job func()) {
	f(job)
}

// Concurrent runs every job on a new goroutine
var Concurrent Executor = ExecutorFunc(func(job func()) {
	go job()
})

// Inline runs every job on the delivering goroutine
var Inline Executor = ExecutorFunc(func(job func()) {
	job()
})
