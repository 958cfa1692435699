// pkg/core/frame.go
package core

import (
	"fmt"
	"strings"
	"time"
)

// MaxDataLength is the payload capacity of a classical CAN frame.
const MaxDataLength = 8

// Frame is one fixed-width bus record.
// Data bytes past DLC are zero. OrderKey groups the frames of one step;
// Timestamp is informational and never used for grouping.
type Frame struct {
	ID        uint16    `json:"id"`
	DLC       uint8     `json:"dlc"`
	Data      [8]byte   `json:"data"`
	OrderKey  uint64    `json:"order_key"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload returns the meaningful bytes of the frame.
func (f Frame) Payload() []byte {
	n := int(f.DLC)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

// String renders the frame the way candump does: "100#E803..." plus the key.
func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%03X#", f.ID)
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, "%02X", v)
	}
	fmt.Fprintf(&b, " key=%d", f.OrderKey)
	return b.String()
}
