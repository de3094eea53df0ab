// Package identity is the boundary to the external identity provider.
//
// The provider issues signed bearer tokens; this package only verifies them and
// extracts the authenticated user id. It never issues sessions or stores users.
package identity
