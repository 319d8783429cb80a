// Package unlock tracks one-time "pay-per-unlock" purchase attempts.
//
// At most one attempt per (user, content, calendar day) may be created or
// succeeded; a second BeginAttempt for the same slot fails fast with
// ErrAlreadyAttemptedToday instead of creating a duplicate charge. Failed and
// canceled attempts free the slot. Attempts only move forward:
//
//	created -> succeeded | failed | canceled
//
// The calendar day is UTC unless the tracker is built WithLocation. The
// Postgres store enforces the slot with a partial unique index; MemoryStore
// checks and inserts under one lock.
package unlock
