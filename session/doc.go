// Package session coordinates one visitor's passage through the waiting room.
//
// The Controller owns the admission token and the derived State. It composes
// three helpers that never mutate that state themselves:
//
//   - Poller fetches token status on an interval until a terminal status.
//   - Heartbeat notifies the server while the session is active, with a single
//     live timer whose period follows page visibility.
//   - LifecycleGuard reacts to page events (visibility, focus, unload) and
//     sends the at-most-once release notification.
//
// The Controller publishes a single ActiveFlag. The LifecycleGuard subscribes
// to it and engages or disengages the heartbeat and page listeners on change,
// so there is exactly one view of whether the session is live.
//
// OnProceed, OnExpired and OnCancelled run without internal locks held and
// may call back into the Controller. OnChange observers are serialized and
// must not call back into the Controller synchronously.
package session
