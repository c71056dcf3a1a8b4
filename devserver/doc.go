// Package devserver is a reference queue server for local development and
// end-to-end tests. It serves the queue routes consumed by the client package
// with a deliberately simple admission model: a fixed number of booking
// slots, a FIFO waiting line promoted whenever a slot is free, and active
// sessions that are evicted when their heartbeats stop.
//
// State lives in a Store selected by URL: mem:// keeps it in process and
// redis://host:port/db shares it through Redis. Tokens handed to clients are
// HS256-signed JWTs whose ID names the server-side record.
//
// Besides the HTTP surface, Server exposes scripted controls (Admit, Expire,
// FailHeartbeats) and counters (StatusCalls, HeartbeatCount, Releases) so
// tests can steer and observe a session without timing games.
package devserver
