// Copyright (c) 2019 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nio

import (
	"io"
	"os"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/nio-ev/nio/internal/pool"
)

// File is pseudo-asynchronous file I/O: every syscall that can block (open,
// read, write, sendfile) runs on a thread-pool worker, per §4.5 of the
// specification, with results folded back onto the loop goroutine. At most
// one task per operation category (open/read/write/send/close) is ever
// outstanding at a time.
type File struct {
	// OnOpen fires once for OpenPath, reporting the outcome. Std-stream
	// opens fire it too, deferred, for a uniform completion model.
	OnOpen func(f *File, err error)
	// OnRead delivers a chunk of bytes into the buffer passed to ReadStart,
	// or (nil, io.EOF) at end of file.
	OnRead func(f *File, data []byte, err error)
	// OnDrain fires when the write queue empties after holding data.
	OnDrain func(f *File)
	// OnError reports a failed operation that doesn't itself close the file.
	OnError func(f *File, err error)
	// OnClose fires exactly once, deferred, once the descriptor is released.
	OnClose func(f *File)
	// Data is an opaque slot for the caller's own per-file state.
	Data any

	loop *Loop
	fd   int
	path string

	openInFlight  bool
	readStarted   bool
	readBuf       []byte
	readInFlight  bool
	readOffset    int64
	writeOffset   int64
	pendingWrites []*Buffer
	writeInFlight bool
	sendInFlight  bool
	closeInFlight bool
	closed        bool

	wroteSinceEmpty bool
}

// NewFile allocates an unattached File.
func NewFile() *File { return &File{fd: -1} }

// Attach binds the file to loop; the loop's thread pool is what every
// subsequent operation is submitted to.
func (f *File) Attach(loop *Loop) error {
	if loop == nil {
		return newLibraryError(ErrNoLoop)
	}
	if f.loop != nil {
		return newLibraryError(ErrAlreadyAttached)
	}
	f.loop = loop
	return nil
}

// Detach unbinds the file from its loop, so it can later be re-Attach-ed to
// a different one. It does not close the descriptor or wait for any
// in-flight operation; a task already submitted still delivers its result
// through the loop it was submitted against, mirroring Server.Detach.
func (f *File) Detach() error {
	if f.loop == nil {
		return nil
	}
	f.loop = nil
	return nil
}

// OpenPath asynchronously opens path with the given flags/mode. Completion
// (success or failure) is reported through OnOpen, never as a return value,
// mirroring Connect's setup-vs-completion split.
func (f *File) OpenPath(path string, flags int, mode os.FileMode) error {
	if f.loop == nil {
		return newLibraryError(ErrNoLoop)
	}
	if f.fd >= 0 || f.openInFlight {
		return newLibraryError(ErrAlreadyOpen)
	}
	fp, err := f.loop.filePool()
	if err != nil {
		return newSystemError(err)
	}
	f.openInFlight = true
	f.path = path
	var fd int
	var openErr error
	return fp.Submit(&pool.Task{
		Run: func() {
			fd, openErr = unix.Open(path, flags|unix.O_CLOEXEC, uint32(mode))
		},
		Done: func() {
			f.loop.trigger(func() {
				f.openInFlight = false
				if openErr != nil {
					if f.OnOpen != nil {
						f.OnOpen(f, newSystemError(os.NewSyscallError("open", openErr)))
					}
					return
				}
				f.fd = fd
				if f.OnOpen != nil {
					f.OnOpen(f, nil)
				}
			})
		},
	})
}

// openStdFD adopts one of the process's standard streams. There is no
// blocking work to do, but OnOpen still fires (deferred) for a uniform
// completion model across every File.
func (f *File) openStdFD(fd int, name string) error {
	if f.loop == nil {
		return newLibraryError(ErrNoLoop)
	}
	if f.fd >= 0 {
		return newLibraryError(ErrAlreadyOpen)
	}
	f.fd = fd
	f.path = name
	f.loop.Defer(func() {
		if f.OnOpen != nil {
			f.OnOpen(f, nil)
		}
	})
	return nil
}

// OpenStdin adopts file descriptor 0.
func (f *File) OpenStdin() error { return f.openStdFD(int(os.Stdin.Fd()), "/dev/stdin") }

// OpenStdout adopts file descriptor 1.
func (f *File) OpenStdout() error { return f.openStdFD(int(os.Stdout.Fd()), "/dev/stdout") }

// OpenStderr adopts file descriptor 2.
func (f *File) OpenStderr() error { return f.openStdFD(int(os.Stderr.Fd()), "/dev/stderr") }

// ReadStart arms delivery of OnRead, reading sequentially into buf. buf must
// remain valid and unused by the caller until ReadStop or the File closes.
func (f *File) ReadStart(buf []byte) error {
	if f.fd < 0 {
		return newLibraryError(ErrNotOpen)
	}
	f.readStarted = true
	f.readBuf = buf
	f.ensureRead()
	return nil
}

// ReadStop disables further OnRead delivery. A read already in flight still
// completes, but its data is delivered only if ReadStart has been called
// again by then; otherwise it is dropped.
func (f *File) ReadStop() error {
	f.readStarted = false
	return nil
}

func (f *File) ensureRead() {
	if f.readInFlight || !f.readStarted || f.fd < 0 || f.readBuf == nil {
		return
	}
	fp, err := f.loop.filePool()
	if err != nil {
		f.reportError(newSystemError(err))
		return
	}
	f.readInFlight = true
	buf := f.readBuf
	off := f.readOffset
	var n int
	var readErr error
	err = fp.Submit(&pool.Task{
		Run: func() { n, readErr = unix.Pread(f.fd, buf, off) },
		Done: func() {
			f.loop.trigger(func() {
				f.readInFlight = false
				if f.closed {
					return
				}
				if readErr != nil {
					f.reportError(newSystemError(os.NewSyscallError("pread", readErr)))
					return
				}
				if n == 0 {
					if f.readStarted && f.OnRead != nil {
						f.OnRead(f, nil, io.EOF)
					}
					f.readStarted = false
					return
				}
				f.readOffset += int64(n)
				if f.readStarted && f.OnRead != nil {
					f.loop.Metrics.BytesRead(n)
					f.OnRead(f, buf[:n], nil)
				}
				f.ensureRead()
			})
		},
	})
	if err != nil {
		f.readInFlight = false
		f.reportError(newSystemError(err))
	}
}

// Write enqueues buf for sequential delivery to the file. buf.Release is
// invoked exactly once, regardless of outcome.
func (f *File) Write(buf *Buffer) error {
	if buf == nil {
		return newLibraryError(ErrInvalidAddr)
	}
	if f.fd < 0 || f.closed {
		if buf.Release != nil {
			buf.Release(ErrClosed)
		}
		return newLibraryError(ErrNotOpen)
	}
	f.pendingWrites = append(f.pendingWrites, buf)
	f.pumpWrites()
	return nil
}

// WriteString is a convenience wrapper around Write(WriteString(str)).
func (f *File) WriteString(str string) error { return f.Write(WriteString(str)) }

func (f *File) pumpWrites() {
	if f.writeInFlight || len(f.pendingWrites) == 0 {
		return
	}
	fp, err := f.loop.filePool()
	if err != nil {
		f.reportError(newSystemError(err))
		return
	}
	buf := f.pendingWrites[0]
	off := f.writeOffset
	fd := f.fd
	f.writeInFlight = true
	var n int
	var writeErr error
	err = fp.Submit(&pool.Task{
		Run: func() { n, writeErr = writeAllAt(fd, buf.Data, off) },
		Done: func() {
			f.loop.trigger(func() {
				f.writeInFlight = false
				f.pendingWrites = f.pendingWrites[1:]
				f.wroteSinceEmpty = true
				if writeErr != nil {
					if buf.Release != nil {
						buf.Release(newSystemError(os.NewSyscallError("write", writeErr)))
					}
					f.reportError(newSystemError(os.NewSyscallError("write", writeErr)))
					if len(f.pendingWrites) == 0 && f.closeInFlight {
						f.doClose()
					}
					f.pumpWrites()
					return
				}
				f.writeOffset += int64(n)
				f.loop.Metrics.BytesWritten(n)
				if buf.Release != nil {
					buf.Release(nil)
				}
				if len(f.pendingWrites) == 0 {
					if f.wroteSinceEmpty {
						f.wroteSinceEmpty = false
						if f.OnDrain != nil {
							f.OnDrain(f)
						}
					}
					if f.closeInFlight {
						f.doClose()
					}
				}
				f.pumpWrites()
			})
		},
	})
	if err != nil {
		f.writeInFlight = false
		if buf.Release != nil {
			buf.Release(err)
		}
		f.reportError(newSystemError(err))
	}
}

// writeAllAt loops write(2) at a fixed offset until data is fully written or
// an error occurs; called on a worker goroutine, so looping here is fine.
func writeAllAt(fd int, data []byte, offset int64) (int, error) {
	total := 0
	for total < len(data) {
		n, err := unix.Pwrite(fd, data[total:], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Send transfers length bytes starting at offset from f to dst, using
// sendfile(2) when dst is a plaintext socket and a read/Write chunk loop
// when dst is TLS-secured (sendfile cannot encrypt). A failing sendfile
// call, EINVAL/ENOSYS included, is reported through OnError; the chunk
// loop is not tried for a plaintext destination.
// Backpressure on dst composes with dst's own OnDrain as usual.
func (f *File) Send(dst *Socket, offset, length int64) error {
	if f.fd < 0 {
		return newLibraryError(ErrNotOpen)
	}
	if dst == nil || dst.fd < 0 {
		return newLibraryError(ErrNotOpen)
	}
	if f.sendInFlight {
		return newLibraryError(ErrPoolSaturated)
	}
	fp, err := f.loop.filePool()
	if err != nil {
		return newSystemError(err)
	}
	f.sendInFlight = true
	srcFD := f.fd
	loop := f.loop
	var sendErr error
	if !dst.secure {
		dstFD := dst.fd
		return fp.Submit(&pool.Task{
			Run: func() { sendErr = sendfileAll(dstFD, srcFD, offset, length) },
			Done: func() {
				loop.trigger(func() {
					f.sendInFlight = false
					if sendErr != nil {
						f.reportError(newSystemError(sendErr))
					}
				})
			},
		})
	}
	return fp.Submit(&pool.Task{
		Run: func() { sendErr = f.sendViaSocketWrite(srcFD, dst, offset, length) },
		Done: func() {
			loop.trigger(func() {
				f.sendInFlight = false
				if sendErr != nil {
					f.reportError(newSystemError(sendErr))
				}
			})
		},
	})
}

// sendfileAll drives sendfile(2) to completion, retrying on EAGAIN/EINTR;
// runs on a worker goroutine so blocking here is expected.
func sendfileAll(dstFD, srcFD int, offset, length int64) error {
	off := offset
	remaining := int(length)
	for remaining > 0 {
		n, err := unix.Sendfile(dstFD, srcFD, &off, remaining)
		if n > 0 {
			remaining -= n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("sendfile", err)
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// sendViaSocketWrite is the TLS-destination fallback: it reads a chunk on
// this worker goroutine, then hands it to dst.Write on the loop goroutine
// and blocks (via a done channel) until that write's Release fires, so the
// only thing ever touching dst from off the loop thread is this scratch
// buffer's bytes, not dst itself.
func (f *File) sendViaSocketWrite(srcFD int, dst *Socket, offset, length int64) error {
	const chunk = 64 * 1024
	off := offset
	remaining := length

	// The chunk buffer here is purely internal scratch (never handed to the
	// caller across a call boundary it doesn't control the lifetime of), so
	// pooling it via bytebufferpool — the same pooled-buffer package the
	// teacher's TLS/codec paths use for scratch space — doesn't violate the
	// "write buffers are caller-owned, never library-pooled" rule, which
	// only governs the Buffer values passed to Write.
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < chunk {
		bb.B = make([]byte, chunk)
	}
	buf := bb.B[:chunk]

	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := unix.Pread(srcFD, buf[:want], off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("pread", err)
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		off += int64(n)
		remaining -= int64(n)

		done := make(chan error, 1)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		f.loop.trigger(func() {
			// Every error-returning path of Write already invokes Release
			// (with the same error) before returning, so done only ever
			// needs the one send below.
			_ = dst.Write(&Buffer{Data: payload, Release: func(releaseErr error) {
				done <- releaseErr
			}})
		})
		if err := <-done; err != nil {
			return err
		}
	}
	return nil
}

// Close tears the file down. Any writes still pending are allowed to drain
// first (unlike Socket.Close, which discards immediately) since a file's
// write queue has no peer to reset the connection out from under it;
// on_close still always fires deferred.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closeInFlight = true
	if len(f.pendingWrites) == 0 && !f.writeInFlight {
		f.doClose()
	}
	return nil
}

func (f *File) doClose() {
	if f.closed {
		return
	}
	f.closed = true
	fd := f.fd
	f.fd = -1
	loop := f.loop
	if fd < 0 || fd == 0 || fd == 1 || fd == 2 {
		// Standard streams are never closed by the library.
		loop.Defer(func() {
			if f.OnClose != nil {
				f.OnClose(f)
			}
		})
		return
	}
	fp, err := loop.filePool()
	if err != nil {
		_ = unix.Close(fd)
		loop.Defer(func() {
			if f.OnClose != nil {
				f.OnClose(f)
			}
		})
		return
	}
	_ = fp.Submit(&pool.Task{
		Run: func() { _ = unix.Close(fd) },
		Done: func() {
			loop.Defer(func() {
				if f.OnClose != nil {
					f.OnClose(f)
				}
			})
		},
	})
}

func (f *File) reportError(err *Error) {
	if f.OnError != nil {
		f.OnError(f, err)
	}
}
