// Package auth provides bearer-token authorisation for the Lockgate API.
//
// Operators are not stored locally. A token carries the operator's subject
// and one of three roles:
//   - viewer: read lock state and stats
//   - operator: viewer plus unlock, lock and status commands
//   - admin: operator plus the audit trail and system metrics
//
// Tokens are HS256 JWTs signed with the configured secret. The role to
// permission mapping is static, so checking a request needs no lookup.
package auth
