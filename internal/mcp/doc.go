// Package mcp implements the client side of MCP (Model Context Protocol)
// over stdio: it spawns a server as a subprocess, performs the
// initialize handshake, discovers tools via tools/list and invokes them
// via tools/call.
//
// Messages are JSON-RPC 2.0, one document per line. Exactly one request
// is outstanding on a connection at a time; a [Conn] serializes its
// callers, and the reply to the outstanding request is simply the next
// line the server writes (notifications and stale replies to abandoned
// requests are skipped).
//
// Subprocess cleanup is guaranteed on every path: [Conn.Kill] is the
// primary shutdown, and a runtime cleanup kills the process if a Conn
// is dropped without it.
package mcp
