package reactor

import "errors"

// ErrSetupFatal signals that the notifier or its self-pipe could not be
// created; mirrors device.ErrSetupFatal for the dispatcher's own setup
// failures (spec section 7).
var ErrSetupFatal = errors.New("reactor: fatal setup failure")
