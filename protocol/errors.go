package protocol

import "fmt"

// DecodeError is returned for frames that do not hold a well formed packet of
// an accepted variant. A DecodeError never comes with a partial packet.
type DecodeError struct {
	Tag    uint8
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("decode packet: %s", e.Reason)
	}
	return fmt.Sprintf("decode packet (tag=%d): %s", e.Tag, e.Reason)
}
