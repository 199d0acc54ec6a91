// Package session houses concrete implementations of the core.SessionStore.
// The interface itself (and the Session struct) live in the core package to
// centralize domain contracts. Keeping only implementations here prevents
// higher level packages (agents, runner, server) from depending on concrete
// storage.
//
// Available backends: a process-local in-memory map, a relational store for
// SQLite and PostgreSQL, a file-backed store that seals transcripts with
// age, and a vendor-hosted conversation store backed by the OpenAI
// Conversations API. Only the wiring layer needs to decide which
// implementation to instantiate.
package session
