// Package client implements the queue gateway: a thin HTTP client for the
// waiting-room server. It performs one request per call, never retries on its
// own, and keeps no queue state.
//
// # Quick start
//
//	cli, err := client.New("https://tickets.example.com",
//	    client.WithCredentials(client.StaticCredentials{AccessToken: token}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close(context.Background())
//
//	req := cli.CheckRequirement(ctx, "perf-1", "sched-9")
//	if req.CanProceedDirectly {
//	    // enter booking
//	}
//	tok, err := cli.IssueToken(ctx, "perf-1")
//
// # Failure model
//
// CheckRequirement fails closed: any transport or application failure yields
// a requirement that demands queueing. Every other operation returns either a
// *TransportError (the request never produced a response) or an *APIError
// (non-2xx status or an envelope with success=false).
//
// # Release beacon
//
// SendRelease does not use the caller's context. The payload is queued on a
// Beacon, a bounded background sender detached from any request lifetime, so
// the release is delivered even when the caller returns immediately. Call
// Flush or Close before the process exits to give queued beacons a chance to
// leave.
package client
