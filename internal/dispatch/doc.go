// Package dispatch delivers a post to a social platform.
//
// Each platform is an Adapter registered in a Registry keyed by platform name.
// Adapters only talk to the platform; they never touch post status.
package dispatch
