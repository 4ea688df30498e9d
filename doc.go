// Package credcore manages credential and session lifecycles for services
// that keep account storage on their side of the fence: argon2id password
// hashing, TOTP second factors, single-use reset and validation tokens,
// and rotating refresh tokens with reuse detection, fronted by short-lived
// JWT access tokens.
//
// The embedding service implements CredentialProvider over its own user
// store and hands the engine a Redis client for token state. Everything
// else is assembled by the Builder:
//
//	engine, err := credcore.New().
//		WithRedis(client).
//		WithProvider(provider).
//		WithLogger(logger).
//		Build()
//
// Failures that depend on account state collapse to a small set of
// sentinel errors (ErrInvalidCredentials, ErrInvalidToken) so neither
// error text nor shape can be used to enumerate accounts. Detailed causes
// go to the structured log and the audit sink instead.
package credcore
