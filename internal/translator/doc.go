/*
Package translator relays client traffic to a backend's private listener.

Plain HTTP requests are buffered, stripped of the mount prefix and forwarded
with httputil.ReverseProxy. Redirects, cookie paths and (optionally) HTML
documents coming back are rewritten so the application keeps working under
the prefix.

WebSocket connections are relayed frame by frame. The backend is dialed first
so the client can be upgraded with the subprotocol the backend chose; then two
directions run side by side, each a reader feeding a bounded queue and a
writer draining it:

	client --reader--> [inbound queue]  --writer--> backend
	client <--writer-- [outbound queue] <--reader-- backend

All relay goroutines share one cancellation. Close codes:

	clean close from one side     same code to the other side, after draining
	backend connection dropped    1011 to the client
	backend process exited        1012 to the client
	session reaped or shutdown    1001 to both sides
	backend unreachable           client upgraded, then closed with 1011
*/
package translator
