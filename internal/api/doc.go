// Package api implements the HTTP REST API and WebSocket server for Lockgate.
//
// This package provides:
//   - REST endpoints to list connected locks and issue unlock, lock and status commands
//   - Read access to the audit trail
//   - A WebSocket hub that streams lock events to subscribed clients
//   - JWT bearer authentication, enforced when a secret is configured
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between operators (fleet dashboards, support tools) and
// the Omni lock server. Commands run synchronously against the lock server and
// the HTTP response carries the lock's answer. Lifecycle and command events
// reach WebSocket clients through the Hub, which is registered as an event
// sink on the lock server.
//
// # Security
//
// With security.jwt.secret set, every route except health and /metrics needs an
// HS256 bearer token. The token subject becomes the user id recorded in the
// audit trail for commands that do not name one. Browsers that cannot set
// headers on a WebSocket upgrade may pass the token as access_token.
//
// The token's role limits what it can reach: viewers read lock state,
// operators also command locks, and admins also read the audit trail and
// system metrics. See package auth for the mapping.
package api
