// Package session maps client correlation tokens to bridged sessions.
//
// A session is created on first contact with an unknown or empty token, bound
// to the backend process that serves it, and closed on explicit disconnect,
// idle timeout, backend failure or shutdown. Closed sessions leave the
// registry and their identifiers are never handed out again.
package session
