// Package goAuthenticator turns enrollment URIs into persisted authentication mechanisms.
//
// A [Registry] holds an ordered list of [MechanismFactory] values, one per mechanism kind. The
// built-in [OTPFactory] handles otpauth:// (HOTP/TOTP) URIs and [PushFactory] handles
// pushauth:// registrations. [Registry.Build] selects the first factory that supports a URI and
// runs the build asynchronously: the URI is validated, a [Mechanism] is constructed and written
// through an [IdentityStore], then associated with its [Identity] in an [IdentityModel]. If
// association fails the persisted record is deleted again, so a failed build leaves neither
// store nor model changed.
//
// # Architecture boundaries
//
// goAuthenticator is the public surface. It exposes [Registry], [Builder], [Config], the
// factory and store interfaces and two store implementations ([RedisIdentityStore],
// [SQLiteIdentityStore]). Record encoding and backend access live under internal/stores and are
// never exported.
//
// # What this package must NOT do
//
//   - Log or audit URI contents or secrets. Audit events carry only the error sentinel.
//   - Invoke a completion callback more than once, or for a request rejected synchronously.
//   - Perform I/O during construction through [Builder.Build].
package goAuthenticator
