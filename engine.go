package mbus

import "fmt"

// Phase is the engine's half-duplex state.
type Phase uint8

const (
	// PhaseReceive is the engine's initial state: accumulating an
	// inbound request byte by byte.
	PhaseReceive Phase = iota
	// PhaseReply is the state while the reply frame is being drained
	// out through the mailbox.
	PhaseReply
)

func (p Phase) String() string {
	if p == PhaseReply {
		return "REPLY"
	}
	return "RECEIVE"
}

// Engine is a Modbus RTU slave protocol engine driven one byte at a time
// through its Mailbox. It is not safe for concurrent use: Process, Reset
// and RxClear must all be called from the same cooperative loop.
type Engine struct {
	mailbox *Mailbox
	store   RegisterStore
	diag    *diagnosticManager

	buf         []byte
	frameMax    int
	scratch     []uint16
	expectedLen int
	cursor      int
	phase       Phase
}

// NewEngine creates an Engine with a frame buffer of frameMax bytes,
// backed by store for function 3/6 dispatch. frameMax must be at least
// 8 (the fixed request size) and less than 256 (a read reply's
// byte-count field is a single byte).
func NewEngine(frameMax int, store RegisterStore) (*Engine, error) {
	if frameMax < 8 {
		return nil, fmt.Errorf("mbus: frameMax %d too small for an 8 byte request", frameMax)
	}
	if frameMax >= 256 {
		return nil, fmt.Errorf("mbus: frameMax %d must be less than 256", frameMax)
	}
	e := &Engine{
		mailbox:  &Mailbox{},
		store:    store,
		diag:     newDiagnosticManager(),
		buf:      make([]byte, frameMax),
		frameMax: frameMax,
		scratch:  make([]uint16, frameMax/2),
	}
	e.Reset()
	return e, nil
}

// Mailbox returns the engine's shared mailbox, for host glue to feed
// received bytes into and drain transmitted bytes out of.
func (e *Engine) Mailbox() *Mailbox {
	return e.mailbox
}

// Diagnostics returns a snapshot of the engine's protocol counters.
func (e *Engine) Diagnostics() EngineDiagnostics {
	return e.diag.snapshot()
}

// Reset returns the engine to its startup state: RECEIVE phase, zeroed
// buffer and mailbox, counters cleared.
func (e *Engine) Reset() {
	e.mailbox.reset()
	for i := range e.buf {
		e.buf[i] = 0
	}
	for i := range e.scratch {
		e.scratch[i] = 0
	}
	e.expectedLen = 8
	e.cursor = 0
	e.phase = PhaseReceive
	e.diag.reset()
}

// RxClear discards a partially received frame without touching phase or
// the mailbox. Used on an RX-silence timeout or a framing error.
func (e *Engine) RxClear() {
	e.expectedLen = 8
	e.cursor = 0
}

// Process performs one step of the engine. Call it after clearing
// TxReady (a byte was sent) or after setting RxReady (a byte was
// received); calling it during RECEIVE with neither condition true is
// treated as an RX silence timeout.
func (e *Engine) Process() {
	if e.phase == PhaseReply {
		e.transmit()
	} else {
		e.receive()
	}
}

// receive implements the RECEIVE-phase dispatch algorithm.
func (e *Engine) receive() {
	b, hadRxReady := e.mailbox.snapshotAndClearRxReady()
	if !hadRxReady {
		e.RxClear()
		return
	}

	e.buf[e.cursor] = b
	c := e.cursor + 1

	if c == 2 {
		function := e.buf[1]
		if function != 3 && function != 6 {
			e.raiseException(ExcIllegalFunction)
		}
	}

	if c == e.expectedLen {
		e.dispatch()
	}

	if e.phase == PhaseReply {
		e.cursor = 1
		e.mailbox.beginTransmit(e.buf[0])
	} else {
		e.cursor = c
	}
}

// dispatch runs once a complete request has been accumulated: verifies
// the CRC, then formats a reply for function 3 or 6 in place over the
// request buffer.
//
// The trailer is read big-endian, like every other multi-byte field,
// not low-byte-first as the Modbus RTU standard specifies for a CRC
// trailer: the original firmware ran it through the same ntohs/htons
// conversion as addr/count/value, so this engine's wire format inherits
// that quirk on both the request check here and the reply trailer in
// dispatchReadHolding.
func (e *Engine) dispatch() {
	e.diag.message()

	n := e.expectedLen
	crc := CRC16(e.buf[:n-2])
	trailer := getWord(e.buf, n-2)
	if crc != trailer {
		e.raiseException(ExcServerDeviceFailure)
		return
	}

	switch e.buf[1] {
	case 3:
		e.dispatchReadHolding()
	case 6:
		e.dispatchWriteHolding()
	}

	e.phase = PhaseReply
}

// dispatchReadHolding implements function 3. Its buffer handling looks
// more roundabout than a plain big-endian write because it reproduces a
// real aliasing quirk from the original firmware: the register values
// and the exception frame share the same bytes of the frame buffer
// (offsets 2 onward), and the original unconditionally byte-swaps all
// `count` register slots after the store callback returns, whether or
// not that callback raised an exception. See engine_test.go's
// "store-signalled read error" case.
func (e *Engine) dispatchReadHolding() {
	addr := getWord(e.buf, 2)
	count := getWord(e.buf, 4)

	// The reply must fit: 3 header bytes, 2*count register bytes, 2 CRC
	// bytes, all within frameMax. count > frameMax/2 is not tight enough
	// and lets a reply write past e.buf; the -5 accounts for the header
	// and trailer overhead that also has to fit alongside the registers.
	if count > uint16((e.frameMax-5)/2) {
		e.raiseException(ExcIllegalDataValue)
		return
	}

	regs := e.scratch[:count]
	raised, raisedCode := false, uint8(0)
	e.store.ReadHolding(addr, uint8(count), regs, func(code uint8) {
		raised, raisedCode = true, code
	})

	// Register values land in the buffer before any exception frame is
	// written over the front of the same region.
	for i, v := range regs {
		off := 3 + 2*i
		e.buf[off] = byte(v)
		e.buf[off+1] = byte(v >> 8)
	}

	if raised {
		e.raiseException(raisedCode)
	}

	// Byte-swap every requested slot to big-endian regardless of the
	// exception above: on the original firmware this reaches back into
	// the exception frame's own code/trailer bytes.
	for i := range regs {
		off := 3 + 2*i
		e.buf[off], e.buf[off+1] = e.buf[off+1], e.buf[off]
	}

	if raised {
		return
	}

	e.buf[2] = byte(2 * count)
	replyLen := 3 + int(2*count)
	setWord(e.buf, replyLen, CRC16(e.buf[:replyLen]))
	e.expectedLen = replyLen + 2
}

func (e *Engine) dispatchWriteHolding() {
	addr := getWord(e.buf, 2)
	value := getWord(e.buf, 4)

	e.store.WriteHolding(addr, value, e.raiseException)
	// On success the reply is an exact echo of the request, already
	// sitting in the buffer with its CRC intact; nothing left to do.
}

// raiseException rewrites the buffer in place as a 4-byte exception
// frame. It must only be called from within receive/dispatch (directly,
// or from a RegisterStore callback those invoke).
//
// The trailer here is not a CRC16: it is an 8-bit two's-complement
// negation of node+function+code, matching the original firmware's
// mbus_exception (see DESIGN.md's Open Question entry). This is
// deliberately not "fixed" to a real CRC16 — the wire bytes it produces
// are part of this engine's tested behavior.
func (e *Engine) raiseException(code uint8) {
	node := e.buf[0]
	function := e.buf[1] | 0x80
	e.buf[1] = function
	e.buf[2] = code

	sum := node + function + code
	e.buf[3] = ^sum + 1

	e.expectedLen = 4
	e.phase = PhaseReply
	e.diag.exception()
	e.mailbox.setRxError()
}

// transmit implements the REPLY-phase send algorithm.
func (e *Engine) transmit() {
	next := e.buf[e.cursor]
	queued := e.mailbox.trySetTxReady(next)
	if queued {
		e.cursor++
	}
	if e.cursor == e.expectedLen {
		e.phase = PhaseReceive
		e.cursor = 0
		e.expectedLen = 8
	}
}
