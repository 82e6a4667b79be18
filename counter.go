package powerauth

import (
	"crypto/sha256"
	"fmt"
)

// ctrDataSize is the size of the hash-based counter state carried in the
// signature base string.
const ctrDataSize = 16

// counterLookAhead bounds how far the local counter may be advanced during
// desynchronization recovery. A server-reported distance beyond the window
// means the activation is beyond repair.
const counterLookAhead = 20

// signatureCounter is the replay-protection state advanced by exactly one on
// every produced signature.
//
// Protocol V3 uses a hash chain: the transmitted counter data is rehashed on
// every advance, so an attacker who rolls persisted storage back to an older
// snapshot still cannot reproduce a counter value the server has already
// consumed without the matching chain state. Protocol V2 transmits the plain
// numeric value. Value is kept in both modes; in V3 it is the shadow index
// used for distance computation.
type signatureCounter struct {
	Version ProtocolVersion `cbor:"1,keyasint"`
	Value   uint64          `cbor:"2,keyasint"`
	CtrData []byte          `cbor:"3,keyasint,omitempty"`
}

// newHashCounter builds a V3 counter from the server-issued seed.
func newHashCounter(seed []byte) (*signatureCounter, error) {
	if len(seed) != ctrDataSize {
		return nil, fmt.Errorf("counter seed must be %d bytes, got %d", ctrDataSize, len(seed))
	}
	data := make([]byte, ctrDataSize)
	copy(data, seed)
	return &signatureCounter{Version: ProtocolV3, Value: 0, CtrData: data}, nil
}

// newNumericCounter builds a legacy V2 counter.
func newNumericCounter() *signatureCounter {
	return &signatureCounter{Version: ProtocolV2, Value: 0}
}

// advance moves the counter forward by one step.
func (c *signatureCounter) advance() {
	c.Value++
	if c.Version == ProtocolV3 {
		next := sha256.Sum256(c.CtrData)
		copy(c.CtrData, next[:ctrDataSize])
	}
}

// advanceBy applies n forward steps during desynchronization recovery.
func (c *signatureCounter) advanceBy(n uint64) {
	for i := uint64(0); i < n; i++ {
		c.advance()
	}
}

// data returns the counter bytes that enter the signature base string.
func (c *signatureCounter) data() []byte {
	if c.Version == ProtocolV3 {
		out := make([]byte, ctrDataSize)
		copy(out, c.CtrData)
		return out
	}
	// big-endian encoding of the numeric value
	out := make([]byte, 8)
	v := c.Value
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// distanceTo returns how many steps the local counter lags behind the
// server-reported index, clamped to the look-ahead window. A server index at
// or behind the local one yields zero: the server never runs behind a
// well-behaved client.
func (c *signatureCounter) distanceTo(serverValue uint64) (uint64, error) {
	if serverValue <= c.Value {
		return 0, nil
	}
	distance := serverValue - c.Value
	if distance > counterLookAhead {
		return 0, fmt.Errorf("counter distance %d exceeds look-ahead window %d", distance, counterLookAhead)
	}
	return distance, nil
}

// upgradeToHashCounter migrates a V2 counter to the V3 hash chain using a
// server-issued seed. The numeric index restarts; the server resets its side
// in the same upgrade commit.
func (c *signatureCounter) upgradeToHashCounter(seed []byte) error {
	if c.Version == ProtocolV3 {
		return fmt.Errorf("counter already hash based")
	}
	upgraded, err := newHashCounter(seed)
	if err != nil {
		return err
	}
	*c = *upgraded
	return nil
}

func (c *signatureCounter) clone() *signatureCounter {
	out := &signatureCounter{Version: c.Version, Value: c.Value}
	if c.CtrData != nil {
		out.CtrData = make([]byte, len(c.CtrData))
		copy(out.CtrData, c.CtrData)
	}
	return out
}
