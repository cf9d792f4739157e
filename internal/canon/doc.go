// Package canon normalises the dynamic JSON-shaped values that flow through
// rulebox: command and event payloads, document data, and rule contexts.
//
// Every value stored or compared by the engine is one of:
//
//	nil, bool, string, int64, float64, []any, map[string]any
//
// Normalize converts arbitrary Go values into that shape. Integral numbers are
// always int64 so that a payload decoded from JSON, from CUE, or from a Lua
// expression compares equal regardless of where it was produced.
//
// Marshal produces canonical JSON (sorted keys, NFC strings, no HTML escaping)
// and is the serialization used for golden traces, snapshots and checksums.
package canon
