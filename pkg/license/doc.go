// Package license validates the installation's license key against an
// external issuer, caches the resulting record in the store, and gates
// fleet capacity and feature access on it. A previously valid license
// rides a grace window through issuer outages and expiry before the
// enforcer drops the installation to the community proxy allowance.
package license
