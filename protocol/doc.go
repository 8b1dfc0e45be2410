/*
Package protocol defines the envelopes exchanged between a container (supervisor side) and a worker (the process or sandboxed runtime executing a task list).

Every unit on the wire is an Envelope encoded as a JSON object with a "message" field naming its kind and a "data" field holding the kind-specific payload.

The protocol proceeds as follows:

1. The supervisor launches the worker and opens the channel (a socketpair for process workers, a WebSocket for sandboxed workers).
2. The supervisor sends an "init" envelope with environment metadata and the task payload.
3. The worker runs its steps. When it needs the supervisor to do something it sends a "request" with a unique id, and the supervisor answers with a "response" carrying the same id and command.
4. Progress and logs are sent as "data" envelopes, failures inside the worker as "error" envelopes. Neither expects an answer, except "data" frames for the log and box commands which are acknowledged with a "response".
5. The supervisor may send a "kill" envelope at any time. The worker is expected to exit, and the exit itself ends the exchange.
*/
package protocol
