// Package store provides a reference mbus.RegisterStore backed by an
// in-process slice of holding registers.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/avr-mbus/mbus-rtu"
)

// MemoryStore is a RegisterStore backed by a fixed-size slice of holding
// registers, guarded by a mutex. It is meant as a reference
// implementation and test fixture, not a production register map: real
// slaves usually back ReadHolding/WriteHolding onto sensor state or
// hardware registers instead.
type MemoryStore struct {
	mu   sync.Mutex
	regs []uint16
	log  *zap.Logger
}

// NewMemoryStore creates a MemoryStore with size holding registers,
// numbered 0..size-1, all initialized to zero. A nil logger disables
// logging of out-of-range access.
func NewMemoryStore(size int, log *zap.Logger) *MemoryStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStore{
		regs: make([]uint16, size),
		log:  log,
	}
}

// Set writes a register directly, bypassing the wire protocol. Useful
// for tests and for application code updating registers out of band
// from sensor readings.
func (s *MemoryStore) Set(addr uint16, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.regs) {
		s.regs[addr] = value
	}
}

// Get reads a register directly, bypassing the wire protocol.
func (s *MemoryStore) Get(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) >= len(s.regs) {
		return 0
	}
	return s.regs[addr]
}

// ReadHolding implements mbus.RegisterStore.
func (s *MemoryStore) ReadHolding(addr uint16, count uint8, out []uint16, raise mbus.ExceptionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("ReadHolding", addr, int(count)); err != nil {
		s.log.Warn("holding read out of range", zap.Uint16("addr", addr), zap.Uint8("count", count), zap.Error(err))
		raise(mbus.ExcIllegalDataAddress)
		return
	}

	copy(out, s.regs[addr:int(addr)+int(count)])
}

// WriteHolding implements mbus.RegisterStore.
func (s *MemoryStore) WriteHolding(addr uint16, value uint16, raise mbus.ExceptionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("WriteHolding", addr, 1); err != nil {
		s.log.Warn("holding write out of range", zap.Uint16("addr", addr), zap.Error(err))
		raise(mbus.ExcIllegalDataAddress)
		return
	}

	s.regs[addr] = value
}

// checkRange validates that [addr, addr+count) lies within the backing
// slice.
func (s *MemoryStore) checkRange(name string, addr uint16, count int) *mbus.ProtocolError {
	if int(addr)+count <= len(s.regs) {
		return nil
	}
	plural := "s"
	if count == 1 {
		plural = ""
	}
	return mbus.NewProtocolError(mbus.ExcIllegalDataAddress,
		"%s: unable to get %d register%s from %d with store size %d", name, count, plural, addr, len(s.regs))
}
