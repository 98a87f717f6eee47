// Package buffer is fixed capacity I/O staging buffer.
// Writer side: Allocate, fill, Lock(n). Reader side: Unprocessed, consume, Free(n).
// Readable bytes are always contiguous, so parsers never see wraparound.
package buffer

import (
	"fmt"

	"github.com/juju/errors"
)

var ErrCapacityExceeded = errors.New("buffer capacity exceeded")

type Buffer struct {
	b     []byte
	begin int // first unprocessed byte
	end   int // one past last locked byte
	alloc int // length of current allocation, starts at end
}

func New(capacity int) *Buffer {
	return &Buffer{b: make([]byte, capacity)}
}

func (self *Buffer) String() string {
	return fmt.Sprintf("buffer(cap=%d allocated=%d locked=%d available=%d)",
		self.Capacity(), self.Allocated(), self.Locked(), self.Available())
}

// Allocate returns largest contiguous writable region.
// Returned slice is valid until next call on Buffer.
func (self *Buffer) Allocate() ([]byte, error) {
	self.compact()
	self.alloc = len(self.b) - self.end
	if self.alloc == 0 {
		return nil, errors.Annotatef(ErrCapacityExceeded, "allocate cap=%d", len(self.b))
	}
	return self.b[self.end : self.end+self.alloc], nil
}

// Lock commits first n bytes of last allocation as readable, rest of allocation is released.
func (self *Buffer) Lock(n int) error {
	if n < 0 || n > self.alloc {
		return errors.NotValidf("lock n=%d allocated=%d", n, self.alloc)
	}
	self.end += n
	self.alloc = 0
	return nil
}

// Unprocessed returns readable region, valid until next call on Buffer.
func (self *Buffer) Unprocessed() []byte { return self.b[self.begin:self.end] }

// Free releases first n readable bytes.
func (self *Buffer) Free(n int) error {
	if n < 0 || n > self.end-self.begin {
		return errors.NotValidf("free n=%d locked=%d", n, self.end-self.begin)
	}
	self.begin += n
	if self.begin == self.end && self.alloc == 0 {
		self.begin, self.end = 0, 0
	}
	return nil
}

func (self *Buffer) Reset() { self.begin, self.end, self.alloc = 0, 0, 0 }

func (self *Buffer) Capacity() int  { return len(self.b) }
func (self *Buffer) Allocated() int { return self.alloc }
func (self *Buffer) Locked() int    { return self.end - self.begin }

// Available is free space, including processed bytes reclaimable by compaction.
func (self *Buffer) Available() int { return len(self.b) - self.Locked() - self.alloc }

// HasSpace reports whether Allocate would succeed.
func (self *Buffer) HasSpace() bool { return self.Locked() < len(self.b) }

func (self *Buffer) compact() {
	if self.begin == 0 {
		return
	}
	n := copy(self.b, self.b[self.begin:self.end])
	self.begin, self.end = 0, n
}
