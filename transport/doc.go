/*
Package transport moves protocol envelopes between a container and its worker.

There are two transports:

  - Process launches the worker as a child process and talks to it over a unix socketpair inherited as file descriptor 3. Envelopes are newline-delimited JSON. The worker finds the descriptor through the HEADLESS_CHANNEL_FD environment variable.
  - Sandbox starts a loopback HTTP server on an ephemeral port and launches a sandboxed runtime pointed at it. The runtime loads the bridge page at "/" (or dials "/control" directly) and keeps a WebSocket control connection open. Envelopes are JSON text frames.

Both transports preserve order per direction, report the worker exit exactly once, and refuse to send after the exit has been reported. The Receive channel is closed before the exit is reported, so a consumer can range over it and then read Exited.
*/
package transport
