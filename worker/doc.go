/*
Package worker is the worker side of the container protocol.

A worker connects to its supervisor, waits for the init envelope and then runs its task list, calling back into the supervisor with Request whenever it needs something done on its behalf:

	c, err := worker.Connect(log)
	if err != nil {
		return err
	}
	init, err := c.Init(ctx)
	if err != nil {
		return err
	}
	res, err := c.Request(ctx, protocol.CommandGet, protocol.Args{"url": "https://example.com"})

Process workers find their channel through the descriptor named by HEADLESS_CHANNEL_FD. Sandboxed workers dial the control port passed as their first launch argument with DialSandbox.
*/
package worker
