package mbus

import "sync"

// Status flag bits shared between the engine and the host glue that
// stands in for an interrupt service routine.
const (
	// StatusTxReady is set by the engine when OutByte holds a byte to
	// send, and cleared by the host glue after it has taken OutByte.
	StatusTxReady uint8 = 0x01
	// StatusRxReady is set by the host glue after writing InByte, and
	// cleared by the engine once it has consumed InByte.
	StatusRxReady uint8 = 0x02
	// StatusRxError is set by the engine on a protocol error and cleared
	// by host glue through ClearRxError. Mailbox has no exported setter
	// for it, so host glue cannot raise it for a framing or overrun
	// error of its own.
	StatusRxError uint8 = 0x04
)

// Mailbox is the three-byte shared-memory contract between the engine
// and whatever produces/consumes serial bytes. Every field access from
// engine code goes through one of the methods below, each of which
// brackets the access in a critical section — a mutex standing in for
// the AVR ATOMIC_BLOCK the original firmware used to disable interrupt
// delivery around a read-modify-write of Status.
type Mailbox struct {
	mu      sync.Mutex
	inByte  byte
	outByte byte
	status  uint8
}

// reset clears the mailbox to its power-on state.
func (m *Mailbox) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inByte = 0
	m.outByte = 0
	m.status = 0
}

// SetInByte stores a received byte and sets RxReady. Called by the host
// glue, never by the engine.
func (m *Mailbox) SetInByte(b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inByte = b
	m.status |= StatusRxReady
}

// TakeOutByte returns OutByte and clears TxReady, reporting whether
// TxReady was set. Called by the host glue, never by the engine.
func (m *Mailbox) TakeOutByte() (b byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status&StatusTxReady == 0 {
		return 0, false
	}
	b = m.outByte
	m.status &^= StatusTxReady
	return b, true
}

// Status returns a snapshot of the status byte.
func (m *Mailbox) Status() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ClearRxError clears StatusRxError, as host glue does once the
// RX-silence interval it gates has elapsed.
func (m *Mailbox) ClearRxError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status &^= StatusRxError
}

// snapshotAndClearRxReady atomically reads in_byte and status, clearing
// RxReady if it was set. This is the engine's sole read path into the
// mailbox during the receive phase: during REPLY the engine must not
// touch in_byte or RxReady, so this is only ever called from receive().
func (m *Mailbox) snapshotAndClearRxReady() (b byte, hadRxReady bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sts := m.status
	m.status = sts &^ StatusRxReady
	return m.inByte, sts&StatusRxReady != 0
}

// setRxError sets StatusRxError; called by the engine on a protocol
// error (CRC mismatch, illegal function/value, a raised exception).
func (m *Mailbox) setRxError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status |= StatusRxError
}

// beginTransmit unconditionally sets TxReady and loads OutByte with b.
// Used only when the engine flips from RECEIVE to REPLY: the first byte
// of a reply is queued unconditionally, independent of whatever TxReady
// held from before.
func (m *Mailbox) beginTransmit(b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status |= StatusTxReady
	m.outByte = b
}

// trySetTxReady sets TxReady and loads OutByte with next, but only if
// TxReady was not already set (meaning the previous byte has been
// drained). It reports whether it made the change, which the caller
// uses to decide whether the queued byte is now considered committed.
func (m *Mailbox) trySetTxReady(next byte) (queued bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status&StatusTxReady != 0 {
		return false
	}
	m.status |= StatusTxReady
	m.outByte = next
	return true
}
