package receiver

import "github.com/pkg/errors"

var (
	// errProtocol escalates the connection to the protocol-error state.
	errProtocol = errors.New("protocol error")
	// errDigestMismatch is a protocol error with its own counter.
	errDigestMismatch = errors.New("payload digest mismatch")
	// errCapacity rejects a write outside the device.
	errCapacity = errors.New("request beyond device capacity")
	// errAlignment rejects a write that is not sector aligned.
	errAlignment = errors.New("request not sector aligned")
	// errTeardown aborts blocking waits during disconnect.
	errTeardown = errors.New("connection tearing down")
	// errUnknownVolume names a volume we do not replicate.
	errUnknownVolume = errors.New("unknown volume")
)
