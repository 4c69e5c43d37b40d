/*
Package mbus implements a Modbus RTU slave protocol engine for a
half-duplex serial line shared with an interrupt-driven UART.

The engine owns a single fixed-size frame buffer that alternately holds
an inbound request and the outbound reply. It is driven one byte at a
time through a three-byte Mailbox (InByte, OutByte, Status) that mirrors
the shared-memory contract an interrupt service routine would use on a
microcontroller: the caller feeds received bytes in and drains
transmitted bytes out, and Process does the rest.

Only Modbus function codes 3 (read holding registers) and 6 (write
single holding register) are supported, matching the register-store ABI
in store.go. Anything else is answered with exception code 1.

A typical host loop calls Process once after clearing TxReady (a byte
was sent by the UART), once after setting RxReady (a byte was received),
and once per RX-silence tick; Process figures out on its own which of
those happened, and treats "neither" as a timeout that abandons a
partial frame:

	e, err := mbus.NewEngine(64, store)
	if err != nil {
		log.Fatal(err)
	}
	for {
		<-wakeup // byte sent, byte received, or silence tick
		e.Process()
	}

See cmd/mbus-rtu-slave for a complete host program built on a real
serial port.
*/
package mbus
