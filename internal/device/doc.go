// Package device defines the radio collaborator the receiver drives: a
// Central that scans and connects, and a Link to one connected peripheral
// that discovers its GATT table, subscribes to notifications and writes to
// characteristic handles.
//
// It also carries the connection error taxonomy and UUID helpers shared by
// the radio adapters in the sub-packages.
package device
