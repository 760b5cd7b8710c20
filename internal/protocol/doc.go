/*
Package protocol defines the wire vocabulary shared by both peers of a
sandbox: operation kinds, the permission tokens gating them, and the
message envelope.

# Operations

Every request carries one OperationKind. The closed set is:

	eval, call, register, cancel_register, assign, access, remove

plus two reply kinds, response and error. An error message either
settles a pending request (same id) or, when no request is pending,
reports an unsolicited failure on the remote side.

# Permissions

A Permission pairs an OperationKind with a Direction. A peer may only
initiate kinds it holds a Send permission for, and only serve kinds it
holds a Receive permission for. Permission sets are validated once at
construction and are immutable afterwards; anything not granted is denied.

	perms := protocol.NewPermissions(protocol.SendEval, protocol.ReceiveCall)
	perms.CanSend(protocol.KindEval)    // true
	perms.CanReceive(protocol.KindEval) // false
*/
package protocol
