// Package harness runs YAML given/when/then scenarios against a compiled
// rulebox program and compares the resulting traces with golden files.
//
// # Scenario Format
//
//	name: add_car_complete
//	description: "What this scenario validates"
//	program: ../../testdata/fleet   # relative to the scenario file
//	backend: sqlite                 # sqlite (default, in memory) | memory
//	mode: inline                    # inline (default) | stream
//	given:
//	  - information: Users
//	    id: u1
//	    data: { name: Ada }
//	  - dispatch: AddCarToFleet
//	    payload: { vehicleId: v0, brand: VW, model: Golf }
//	when:
//	  - dispatch: AddCarToFleet
//	    payload: { vehicleId: v1, brand: BMW, model: "1er", productionYear: 2019 }
//	    expect:
//	      events: [CarAdded, CarAddedToFleet]
//	  - dispatch: getCar
//	    payload: { vehicleId: v1 }
//	    expect:
//	      result: { completed: true }
//	then:
//	  - type: event_order
//	    events: [CarAdded, NotificationSent]
//	  - type: information
//	    information: Fleet
//	    id: v1
//	    expect: { inFleet: true }
//
// # Assertion Types
//
//   - event_recorded: an event with the name (and payload subset) was committed
//   - event_order: the events were committed in this order
//   - event_count: the event was committed exactly count times
//   - information: a document (by id or where) contains the expected fields
//   - information_count: the information holds exactly count documents
//
// # Deterministic Testing
//
// Every scenario runs on a fresh store with sequence-generated event UUIDs
// and correlation ids, a stepping clock starting at testutil.Epoch and a
// testutil.DeterministicClock numbering the trace. The same scenario always
// yields a byte-identical canonical trace.
package harness
