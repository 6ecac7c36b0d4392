// Package callback provides callback sinks that hand resolved batch results
// to the authorizer.
package callback
