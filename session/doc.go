// Package session keeps conversational history per (app, user, session).
//
// Manager serializes access to one session through a reference-counted lock
// table, appends turns and periodically compacts older history into a single
// summary turn. Records are persisted through a core.SessionStore;
// InMemoryStore lives here, the durable SQLite backend in session/sqlite.
package session
