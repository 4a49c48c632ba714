// Package harness runs multi-context tracker scenarios against a simulated
// origin: a fake clock, shared in-memory storage, an in-process bus and a
// recording transport.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: failover
//	description: "The follower takes over the session when the leader crashes"
//	steps:
//	  - do: open
//	    tab: a
//	  - do: advance
//	    for: 3s
//	  - do: track
//	    tab: a
//	    event: { type: click, x: 10, y: 20 }
//	  - do: crash
//	    tab: a
//	assertions:
//	  - type: leader_count
//	    count: 1
//	  - type: delivered_count
//	    event: session_start
//	    count: 1
//
// # Steps
//
//   - open: create and initialize a tracker for tab
//   - crash: abandon tab without ending its session or saying goodbye
//   - unload: end tab's session for a page unload and shut it down
//   - close: same as unload for a closed tab
//   - stop: end tab's session with manual_stop and shut it down
//   - advance: move the clock forward, firing due timers
//   - track: track an event on tab
//   - activity: report an activity signal on tab
//   - flush: flush tab's queue
//   - partition, heal: drop every bus message, or stop dropping
//   - transport: make delivery fail ("fail") or succeed ("ok")
//
// # Assertion Types
//
//   - leader_count: number of open tabs that consider themselves leader
//   - same_session: every open tab (or the listed tabs) has the same non-empty session
//   - delivered_count: number of delivered events of a type
//   - session_count: number of distinct sessions announced with session_start
//   - queue_depth: events still queued in a tab
//
// # Deterministic Testing
//
// Every run starts its clock at the same instant and uses sequential
// session and event ids, a fixed user id, and seeded election jitter, so a
// scenario always produces the same trace. RunWithGolden compares that trace
// with a goldie fixture.
package harness
