// Package wire is the typed projection of codec.Value onto the parcel
// envelope and bodies: the parcel schema.
package wire

// SID is an administrator-assigned opaque byte string, unique per
// server in the cluster, used verbatim as identity in every parcel.
// Represented as a string (not []byte) so it is directly usable as a
// map key throughout the engine.
type SID string
