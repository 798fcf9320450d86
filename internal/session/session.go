// Package session mirrors the relay's live presence into Redis so other
// processes (HTTP APIs, notification workers, other relay instances) can ask
// who is online without holding a connection. The in-process registry stays
// authoritative; the mirror is a best-effort read model.
package session
