// Package decoder re-exports the Decoder contract an InputDevice
// consumes (spec section 6), so decoders can be written against this
// package without importing device directly for the interface alone.
// Concrete decoders are out of scope here; decoder/linedecoder
// provides the one needed to drive the pipe-echo scenario.
//
// Author: momentics <momentics@gmail.com>
package decoder

import "github.com/Community-of-Gia-Lai-Team/evio/device"

// Decoder is device.Decoder under this package's name.
type Decoder = device.Decoder
