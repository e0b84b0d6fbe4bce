// Package keystore persists the master secrets negotiated with peers so that later sessions can
// skip the full handshake.
//
// A [Store] maps a peer identity to a [SessionSecret] with an expiration time. Expired secrets are
// never returned; they are deleted when read and removed in bulk by [Store.Sweep]. No secret is
// stored with an expiration sooner than [MinExpiration] from the time it was written.
//
// Durability is provided by a [Backend]. [FileBackend] keeps an append-only log that is compacted
// periodically and may be encrypted with a passphrase. [KeyringBackend] stores each secret as an
// item in the operating system's keyring. [MemoryBackend] keeps nothing across restarts.
//
// Access controls should be used to prevent third parties from reading or tampering with a
// FileBackend, even when it is encrypted.
package keystore
