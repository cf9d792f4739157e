// Package engine implements the rulebox messaging layer.
//
// # Flow
//
//	MessageBox.Dispatch ─► CommandBus ─► aggregate.Repository ─► commit
//	                                              │
//	                     inline mode: Dispatcher.Publish(events)
//	                                              │
//	                              Policy (own Session per policy)
//	                                              │
//	                           triggerCommand ─► command queue
//	                                              │
//	                                 Engine.Run / Engine.Drain
//
// In stream mode the command bus stops at commit and stream listeners feed
// the dispatcher from the event store instead.
//
// # Cascade guard
//
// Every command, inbound or triggered, is admitted against its correlation:
//
//   - Cycle detection rejects the same (command, payload) twice in one
//     correlation.
//   - The max-cascade quota rejects a correlation's command once it has run
//     the configured number of commands.
//
// Together they guarantee that a cascade of policies terminates. A rejected
// trigger fails the policy that issued it; the dispatcher logs the failure
// and the other policies still run.
package engine
