// Package verifier contains the version number and shared constants of the
// human-verification service.
package verifier

import "time"

// Version is the current version of the verifier.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// BasePrefix is a global prefix for all verifier endpoints. Can be empty to
// mount at the root.
var BasePrefix = ""

// APIPrefix is the prefix of every verification endpoint.
const APIPrefix = "/api/captcha/"

// ChallengeLifetime is how long a requester has to answer an issued challenge.
const ChallengeLifetime = 120 * time.Second

// DefaultTokenExpiration is how long a capability token stays valid if the
// policy file does not say otherwise.
const DefaultTokenExpiration = 5 * time.Minute

// DefaultMaxOutstanding is the default number of unresolved challenges a single
// requester may hold at once.
const DefaultMaxOutstanding = 5

// DefaultReviewTTL is how long an ambiguous submission waits for human review
// before it is expired.
const DefaultReviewTTL = 24 * time.Hour

// TokenHeader is the request header a protected action reads the capability
// token from.
const TokenHeader = "X-Captcha-Token"
