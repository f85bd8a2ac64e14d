// Package hub implements the live session layer of the telemetry hub.
//
// This includes the UDP text-protocol codec, the channel table mapping
// device identities to session state, the payload processor that maintains
// each channel's latest-sample cache, the UDP protocol engine, the
// command dispatcher correlating operator commands with device ACKs, and
// the sweeper that ages idle sessions out of the running state.
package hub
