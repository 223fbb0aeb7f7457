package simdev

import "fmt"

// Request is one descriptor chain: device-readable segments first, then
// device-writable ones.
type Request struct {
	Out [][]byte
	In  [][]byte
}

// ReadAll concatenates the readable segments.
func (r *Request) ReadAll() []byte {
	var n int
	for _, s := range r.Out {
		n += len(s)
	}
	out := make([]byte, 0, n)
	for _, s := range r.Out {
		out = append(out, s...)
	}
	return out
}

// InLen is the total writable length.
func (r *Request) InLen() int {
	var n int
	for _, s := range r.In {
		n += len(s)
	}
	return n
}

// Write copies p into the writable segments and returns the bytes copied.
func (r *Request) Write(p []byte) uint32 {
	var n int
	for _, s := range r.In {
		if len(p) == 0 {
			break
		}
		c := copy(s, p)
		p = p[c:]
		n += c
	}
	return uint32(n)
}

func errDescriptorRange(i uint16) error {
	return fmt.Errorf("descriptor index %d out of range", i)
}
