package elm

// Callbacks are invoked by a Transport once it has been opened.
// Data receives raw notify chunks in arrival order; Disconnect reports an
// unsolicited loss of the link (never called after Close).
type Callbacks struct {
	Data       func(chunk []byte)
	Disconnect func(err error)
}

// Transport is a bound write/notify pair to an ELM327-class adapter.
// Discovery and pairing happen before Open; the client only sees bytes.
type Transport interface {
	// Name returns a human-readable description for logs.
	Name() string
	// Open binds the write/notify pair and starts delivering chunks.
	// Errors should wrap ErrTransportUnavailable or ErrDiscoveryFailed.
	Open(cb Callbacks) error
	// Write sends one command line (ASCII text followed by '\r').
	Write(p []byte) error
	// Close releases the link. It is idempotent.
	Close() error
}
