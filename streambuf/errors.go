package streambuf

import "errors"

// Sentinel errors for the streambuf error taxonomy (spec section 7).
var (
	// ErrAllocationExhausted is returned by the producer path when the
	// block allocator refuses a new block because it would push
	// outstanding allocation past max_allocated and even a shrunk block
	// would fall below min_block_size. The producer back-pressures.
	ErrAllocationExhausted = errors.New("streambuf: allocation exhausted")

	// ErrPutbackUnsupported is returned when a caller attempts to put
	// back a byte that does not lie within the consumer's current
	// get-area block. Putback across a block boundary is unsupported
	// and is treated as a fatal programmer error.
	ErrPutbackUnsupported = errors.New("streambuf: putback unsupported across block boundary")

	// ErrShowManyCUnsupported is returned by ShowManyC; the original
	// implementation leaves showmanyc unimplemented and so do we.
	ErrShowManyCUnsupported = errors.New("streambuf: showmanyc not supported")
)
