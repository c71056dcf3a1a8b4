// Package waitroom is the client side of a virtual waiting room: it decides
// whether a visitor may enter a booking flow directly or must queue, tracks
// the visitor's admission token until it activates, keeps an admitted
// session alive with heartbeats, and releases the session when the visitor
// leaves.
//
// The work is split across packages:
//
//   - api carries the wire types of the queue server.
//   - client is the HTTP gateway, including the detached Beacon used for
//     release notifications that must outlive their caller.
//   - session holds the state machine (Controller) and the components it
//     composes: Poller, Heartbeat, LifecycleGuard, ActiveFlag and Page.
//   - devserver is a reference queue server for local development, and
//     queuetest wraps it for tests.
//
// This package holds the shared Config, which turns a single configuration
// document into gateway and controller options.
//
//	cfg := waitroom.Config{Server: "https://queue.example.com"}
//	gw, err := cfg.NewClient(logger)
//	if err != nil { return err }
//	defer gw.Close(context.Background())
//	ctl, err := session.NewController(gw, append(cfg.SessionOptions(logger),
//	    session.OnProceed(func(performanceID, scheduleID string) {
//	        openBooking(performanceID, scheduleID)
//	    }),
//	)...)
//	if err != nil { return err }
//	defer ctl.Close()
//	if err := ctl.Start(ctx, "perf-42", "sched-7"); err != nil { return err }
//
// # Page lifecycle
//
// Hosts report visibility, focus and unload through session.Page. While the
// session is active the LifecycleGuard slows heartbeats on hidden pages,
// sends an immediate heartbeat when the page comes back, and releases the
// session exactly once on unload or teardown.
package waitroom
