package nio

// Buffer is a caller-owned byte range handed to Socket.Write or File.Write.
// The library never copies Data and never retains it past the point Release
// is invoked. Release is called exactly once, regardless of whether the
// write succeeded, failed, or the buffer was discarded on close — its err
// argument is nil only on successful, full delivery.
type Buffer struct {
	Data     []byte
	Release  func(err error)
	UserData any
}

// WriteString allocates a Buffer holding a copy of s. The Buffer has no
// Release hook; the copy is reclaimed by the garbage collector once the
// library drops it. This is the sole allocation the library
// performs on the data path (mirroring write_simple in the specification),
// and exists so callers writing string literals don't need to manage a
// []byte's lifetime themselves.
func WriteString(s string) *Buffer {
	b := make([]byte, len(s))
	copy(b, s)
	return &Buffer{Data: b}
}
