// Command mbus-rtu-slave runs a Modbus RTU slave engine against a real
// serial port. It wires go.bug.st/serial to an mbus.Engine through its
// Mailbox, standing in for the UART ISR and main loop of the original
// firmware.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/avr-mbus/mbus-rtu"
	"github.com/avr-mbus/mbus-rtu/store"
)

// Options are the command's flags, parsed by go-flags.
type Options struct {
	Port      string        `long:"port" description:"serial device, e.g. /dev/ttyUSB0" required:"true"`
	Baud      int           `long:"baud" description:"baud rate" default:"9600"`
	DataBits  int           `long:"data-bits" description:"data bits" default:"8"`
	StopBits  string        `long:"stop-bits" description:"stop bits: 1 or 2" default:"1"`
	Parity    string        `long:"parity" description:"parity: none, odd, even" default:"none"`
	Node      uint8         `long:"node" description:"slave node address, for diagnostics only" default:"1"`
	Registers int           `long:"registers" description:"number of holding registers in the reference store" default:"16"`
	FrameMax  int           `long:"frame-max" description:"frame buffer size in bytes" default:"64"`
	RxSilence time.Duration `long:"rx-silence" description:"RX silence interval before a partial frame is discarded" default:"1s"`
	Verbose   bool          `long:"verbose" description:"enable debug logging"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := newLogger(opts.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mbus-rtu-slave: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(opts, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

func run(opts Options, log *zap.Logger) error {
	mode, err := serialMode(opts)
	if err != nil {
		return err
	}

	port, err := serial.Open(opts.Port, mode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", opts.Port, err)
	}
	defer port.Close()

	regStore := store.NewMemoryStore(opts.Registers, log.Named("store"))
	engine, err := mbus.NewEngine(opts.FrameMax, regStore)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	log.Info("mbus-rtu-slave listening",
		zap.String("port", opts.Port),
		zap.Int("baud", opts.Baud),
		zap.Uint8("node", opts.Node),
		zap.Int("registers", opts.Registers),
	)

	box := engine.Mailbox()
	done := make(chan struct{})

	// mainWake carries a signal from readLoop (a byte arrived) or
	// writeLoop (a byte was drained) to mainLoop, so Process runs as
	// soon as the mailbox changes instead of waiting out a poll tick.
	// A 500us poll was fine at 9600 baud but fell behind at the higher
	// end of --baud: a byte every ~87us at 115200 could overwrite
	// InByte/RxReady before a once-per-tick poll noticed the first one.
	mainWake := make(chan struct{}, 1)
	// txWake tells writeLoop to check for a freshly queued byte right
	// after mainLoop calls Process, instead of on its own poll tick.
	txWake := make(chan struct{}, 1)

	// Reader goroutine: one byte from the wire becomes one SetInByte
	// call. Standing in for the UART RX interrupt.
	go readLoop(port, box, mainWake, log, done)

	// Writer goroutine: drains whatever TxReady queues. Standing in for
	// the UART TX-empty interrupt.
	go writeLoop(port, box, txWake, mainWake, log, done)

	// The cooperative loop: the only goroutine allowed to call
	// Process/Reset/RxClear.
	mainLoop(engine, mainWake, txWake, opts.RxSilence, log, done)
	return nil
}

// wake delivers a non-blocking signal on ch, coalescing with any signal
// already pending: the receiver only needs to know something changed,
// not how many times.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func serialMode(opts Options) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: opts.DataBits,
	}
	switch opts.StopBits {
	case "1":
		mode.StopBits = serial.OneStopBit
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop-bits %q", opts.StopBits)
	}
	switch opts.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("invalid parity %q", opts.Parity)
	}
	return mode, nil
}

// readLoop feeds bytes off the wire into the mailbox as they arrive and
// wakes mainLoop immediately, rather than leaving it to notice on its
// next poll. It does not wait for the engine to consume InByte: a byte
// that arrives before mainLoop has called Process overwrites the
// previous one.
func readLoop(port serial.Port, box *mbus.Mailbox, mainWake chan struct{}, log *zap.Logger, done chan struct{}) {
	buf := make([]byte, 1)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			log.Error("serial read", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}
		box.SetInByte(buf[0])
		wake(mainWake)
	}
}

// writeLoop waits for txWake rather than polling, writes whatever byte
// TxReady is holding, then wakes mainLoop so it can queue the next byte
// of a reply.
func writeLoop(port serial.Port, box *mbus.Mailbox, txWake, mainWake chan struct{}, log *zap.Logger, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-txWake:
		}
		b, ok := box.TakeOutByte()
		if !ok {
			continue
		}
		if _, err := port.Write([]byte{b}); err != nil {
			log.Error("serial write", zap.Error(err))
			return
		}
		wake(mainWake)
	}
}

// mainLoop drives the engine's state machine: it wakes on a mailbox
// change signaled by readLoop/writeLoop, or on an RX-silence timeout,
// and calls Process either way, then pokes writeLoop in case Process
// just queued a byte.
func mainLoop(engine *mbus.Engine, mainWake, txWake chan struct{}, rxSilence time.Duration, log *zap.Logger, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(rxSilence)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			engine.Process()
			wake(txWake)
			timer.Reset(rxSilence)
		case <-mainWake:
			engine.Process()
			wake(txWake)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(rxSilence)
		}
	}
}
