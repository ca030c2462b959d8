// Package natsclient wraps a core NATS connection for event publishing.
//
// The work cell publishes operational events (cycle progress, tube
// placements, pauses, faults) to the lab network over NATS. Publishing is
// fire-and-forget: a broken bus connection never stops the sorting loop,
// it only degrades visibility.
//
// Reconnection is delegated to nats.go (MaxReconnects -1 retries forever).
// The client layers status tracking on top and surfaces transitions
// through optional callbacks:
//
//	client, err := natsclient.NewClient(cfg.NATS.URL,
//		natsclient.WithName("tubesort"),
//		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
//		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Duration),
//		natsclient.WithHealthChangeCallback(onHealth),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(shutdownCtx)
//
//	err = client.Publish(ctx, "tubesort.events.cycle", payload)
//
// Close drains the connection so queued events flush before shutdown,
// bounded by the drain timeout or the context deadline, whichever is
// shorter.
package natsclient
