package mail

// Transport operations named in a [TransportError].
const (
	OpConnect = "connect"
	OpList    = "list"
	OpFetch   = "fetch"
	OpSend    = "send"
	OpFlag    = "flag"
)

// TransportError is a failure talking to the IMAP or SMTP server. It is
// recovered per email or per cycle and retried on the next cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "mail " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}
