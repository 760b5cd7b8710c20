/*
Package codec marshals values across the sandbox boundary.

Plain data (nil, booleans, numbers, strings, maps and slices) is carried
as is. Three kinds of values cannot be expressed as plain data and are
wrapped into a tagged node instead:

	{<marker>: <tag>, "type": "type_function", "token": "fn_...", "expression": "..."}
	{<marker>: <tag>, "type": "type_error", "name": "...", "message": "...", "stack": "..."}
	{<marker>: <tag>, "type": "type_regexp", "expression": "/source/flags"}

The marker key and tag are derived at process start from a fixed
fingerprint, so an ordinary object that merely looks like a wrapped value
is never revived.

Maps and slices reachable more than once from the serialized root are
emitted once and referenced by path afterwards, so sharing and cycles
survive a round trip:

	shared := map[string]any{"n": 1.0}
	root := map[string]any{"a": shared, "b": shared}
	root["self"] = root

	c := codec.New()
	data, _ := c.Serialize(root)
	back, _ := c.Deserialize(data)
	// back["a"] and back["b"] are the same map, back["self"] is back

# Functions

Functions are never shipped as Go code. A Binder (the RPC channel)
registers the function in its callable registry and the wrapped node
carries the resulting token. The receiving Binder resolves a token it
owns back to the original function and turns a foreign token into a
stub that calls back to the origin. Script values carry JavaScript
source in the expression field so that a receiver able to compile it
(the worker) rebuilds the function in its own scope.
*/
package codec
