// Package auth provides authentication and authorisation for the
// microscope API.
//
// Accounts come from the security.users section of the configuration;
// passwords are stored as Argon2id PHC strings. A successful login returns
// an HS256 JWT access token carrying the user's role. Roles map to
// permissions through a static table:
//
//	viewer    read devices, settings, status, history
//	operator  viewer + change settings, run acquisitions
//	admin     operator + initialise/shut down devices, manage dependencies
package auth
