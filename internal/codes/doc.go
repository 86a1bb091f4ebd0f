// Package codes defines the result-code taxonomy reported for every download
// and the error type that carries a code to callers.
package codes
