// Package common contains shared constants and sentinel errors used across
// filekeeper components.
package common

// AccessTokenHeaderName is the HTTP header used to carry the session token
// on authenticated requests ("Bearer <token>").
const AccessTokenHeaderName = "Authorization"
