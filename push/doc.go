// Package push builds and delivers the registration message that binds a device to a push
// authentication mechanism.
//
// The message is an HS256 JWT signed with the mechanism's shared secret. It carries the
// HMAC-SHA256 response to the server challenge, the mechanism UID and the device details.
// [HTTPRegistrar] posts it to the registration endpoint taken from the pushauth URI.
//
// # What this package must NOT do
//
//   - Import goAuthenticator (the root package depends on this one).
//   - Retry registrations; callers decide whether to rebuild.
package push
