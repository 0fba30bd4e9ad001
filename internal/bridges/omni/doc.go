// Package omni implements the device-facing side of Lockgate: a TCP server
// that speaks the Omni *CMDS/*CMDR text protocol to electromechanical bike
// locks.
//
// # Architecture
//
//	┌──────────────┐  Unlock/Lock/GetStatus  ┌────────────┐  *CMDS ... #   ┌──────┐
//	│ API / MQTT / │────────────────────────►│ Dispatcher │───────────────►│ Lock │
//	│   console    │◄────────────────────────│            │◄───────┐       └──┬───┘
//	└──────────────┘         Result          └─────┬──────┘        │          │
//	                                               │ Lookup    resolve        │ *CMDR ... #
//	                                         ┌─────▼──────┐  ┌─────┴─────┐    │
//	                                         │  Registry  │◄─┤  Session  │◄───┘
//	                                         └────────────┘  └───────────┘
//
// The Listener accepts connections and runs one Session per lock. A Session
// decodes frames and classifies them: check-ins (Q0) and heartbeats (H0)
// update the Registry, acknowledgements (L0, L1, S5) complete the command
// the Dispatcher is waiting on.
//
// # Correlation
//
// The wire protocol carries no sequence number, so at most one command may
// be outstanding per connection. The Dispatcher either rejects a second
// command with ErrCommandInFlight or queues it strictly FIFO, depending on
// Config.QueueCommands. A response that arrives with nothing pending (for
// example after a timeout) is logged and discarded.
//
// # Frames
//
// Outbound:
//
//	0xFF 0xFF *CMDS,OM,<imei>,<yymmddHHMMSS>,<code>[,<param>...]#\n
//
// Inbound:
//
//	*CMDR,OM,<imei>,<timestamp>,<code>[,<param>...]#
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package omni
