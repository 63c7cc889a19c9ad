package service

import "fmt"

// ProtocolError means a blocking wait returned a key this worker never
// watches. The worker cannot continue safely.
type ProtocolError struct {
	Key     string
	Payload string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unknown signal key %q (payload %q)", e.Key, e.Payload)
}
