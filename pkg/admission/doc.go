// Package admission decides whether a caller may spend tokens.
//
// A consume reserves the tokens from the caller's quota pool first and then
// takes them from the caller's rate-limit bucket. When the bucket denies
// the request the reservation is released again, so a rate-limited caller
// is never charged.
package admission
