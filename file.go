package sftp

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"unsafe"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
)

// OpenMode selects how a remote file is opened.
type OpenMode int

// Open modes.
const (
	// ModeRead opens an existing file for reading.
	ModeRead OpenMode = iota + 1

	// ModeWrite creates the file if it does not exist, and truncates it otherwise.
	ModeWrite

	// ModeReadWrite creates the file if it does not exist, but does not truncate it.
	ModeReadWrite
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("OpenMode(%d)", int(m))
	}
}

func (m OpenMode) pflags() uint32 {
	switch m {
	case ModeRead:
		return sshfx.FlagRead
	case ModeWrite:
		return sshfx.FlagWrite | sshfx.FlagCreate | sshfx.FlagTruncate
	case ModeReadWrite:
		return sshfx.FlagRead | sshfx.FlagWrite | sshfx.FlagCreate
	}
	return 0
}

func (m OpenMode) canRead() bool  { return m == ModeRead || m == ModeReadWrite }
func (m OpenMode) canWrite() bool { return m == ModeWrite || m == ModeReadWrite }

// FileState is the lifecycle state of a File.
type FileState int32

// File states.
const (
	FileOpening FileState = iota
	FileOpen
	FileClosed
	FileFailed
)

func (s FileState) String() string {
	switch s {
	case FileOpening:
		return "opening"
	case FileOpen:
		return "open"
	case FileClosed:
		return "closed"
	case FileFailed:
		return "failed"
	default:
		return fmt.Sprintf("FileState(%d)", int32(s))
	}
}

// File is an open remote file.
//
// Reads and writes are sequential from a single offset, which starts at zero.
// The methods of File serialize against each other,
// but interleaving reads and writes from multiple goroutines is still unlikely to be useful.
type File struct {
	s    *Session
	name string
	mode OpenMode

	handle string
	state  atomic.Int32

	mu     sync.Mutex
	offset uint64 // current offset within remote file
}

// Open opens the named remote file in the given mode.
func (s *Session) Open(ctx context.Context, name string, mode OpenMode) (*File, error) {
	if mode.pflags() == 0 {
		return nil, &Error{Op: "open", Path: name, Kind: ErrInvalidArgument, Err: fmt.Errorf("unknown open mode: %v", mode)}
	}

	if err := s.checkReady("open", name); err != nil {
		return nil, err
	}

	f := &File{
		s:    s,
		name: name,
		mode: mode,
	}
	f.state.Store(int32(FileOpening))

	pkt, err := getPacket[sshfx.HandlePacket](ctx, s, &sshfx.OpenPacket{
		Filename: name,
		PFlags:   mode.pflags(),
	})
	if err != nil {
		return nil, wrapErr("open", name, ErrIO, err)
	}

	f.handle = pkt.Handle
	f.state.Store(int32(FileOpen))

	s.track(f)
	s.log.WithField("path", name).WithField("handle", f.handle).Debugf("opened for %v", mode)

	return f, nil
}

// Create creates or truncates the named remote file, and opens it for writing.
func (s *Session) Create(ctx context.Context, name string) (*File, error) {
	return s.Open(ctx, name, ModeWrite)
}

// Name returns the name of the file as presented to Open.
//
// It is safe to call Name after Close.
func (f *File) Name() string {
	return f.name
}

// Mode returns the mode the file was opened with.
func (f *File) Mode() OpenMode {
	return f.mode
}

// State returns the lifecycle state of the File.
// A File of a Session that is no longer Ready reports the end state of the Session.
func (f *File) State() FileState {
	state := FileState(f.state.Load())
	if state != FileOpen {
		return state
	}

	switch f.s.State() {
	case StateClosed:
		return FileClosed
	case StateFailed:
		return FileFailed
	}

	return state
}

// Offset returns the current offset of the next Read or Write.
func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int64(f.offset)
}

func (f *File) check(op string) error {
	if err := f.s.checkReady(op, f.name); err != nil {
		return err
	}

	switch FileState(f.state.Load()) {
	case FileOpen:
		return nil
	case FileFailed:
		return &Error{Op: op, Path: f.name, Kind: ErrIO, Err: fmt.Errorf("file handle failed")}
	default:
		return &Error{Op: op, Path: f.name, Kind: ErrInvalidArgument, Err: fs.ErrClosed}
	}
}

// ioErr wraps an error of a read or write.
// Faults of the server or transport are of kind ErrIO, with the cause kept in the chain.
func (f *File) ioErr(op string, err error) error {
	kind := classify(err, ErrIO)

	switch kind {
	case ErrProtocol, ErrConnection:
		f.state.CompareAndSwap(int32(FileOpen), int32(FileFailed))
		kind = ErrIO

	case ErrSessionClosed, ErrNotFound, ErrPermission:
	default:
		kind = ErrIO
	}

	if e, ok := err.(*Error); ok && e.Kind == kind {
		err = e.Err
	}

	return &Error{Op: op, Path: f.name, Kind: kind, Err: err}
}

// Read calls ReadContext with the background context.
func (f *File) Read(b []byte) (int, error) {
	return f.ReadContext(context.Background(), b)
}

// ReadContext reads up to len(b) bytes from the File and stores them in b.
// It returns the number of bytes read and an error, if any.
// At end of file, ReadContext returns 0, io.EOF.
//
// A single call issues at most one SSH_FXP_READ, and so may return less than len(b) bytes.
func (f *File) ReadContext(ctx context.Context, b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check("read"); err != nil {
		return 0, err
	}

	if !f.mode.canRead() {
		return 0, &Error{Op: "read", Path: f.name, Kind: ErrInvalidArgument, Err: fmt.Errorf("file opened for %v", f.mode)}
	}

	if len(b) == 0 {
		return 0, nil
	}

	n := min(len(b), f.s.maxDataLen)

	resp := &sshfx.DataPacket{
		Data: b[:n],
	}

	n, err := f.s.sendRead(ctx, &sshfx.ReadPacket{
		Handle: f.handle,
		Offset: f.offset,
		Length: uint32(n),
	}, resp)
	if err != nil {
		if err == io.EOF {
			// Numerous odd things break if we don't return bare io.EOF errors.
			return 0, io.EOF
		}

		return 0, f.ioErr("read", err)
	}

	f.offset += uint64(n)

	return n, nil
}

// readFull reads exactly len(b) bytes, unless it reaches the end of file, or fails.
func (f *File) readFull(ctx context.Context, b []byte) (int, error) {
	var read int

	for read < len(b) {
		n, err := f.ReadContext(ctx, b[read:])
		read += n

		if err != nil {
			return read, err
		}
	}

	return read, nil
}

// Write calls WriteContext with the background context.
func (f *File) Write(b []byte) (int, error) {
	return f.WriteContext(context.Background(), b)
}

// WriteContext writes len(b) bytes from b to the File.
// It returns the number of bytes written and an error, if any.
// WriteContext returns a non-nil error when n != len(b).
//
// Data longer than the maximum data length is written with multiple sequential SSH_FXP_WRITE requests.
func (f *File) WriteContext(ctx context.Context, b []byte) (written int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check("write"); err != nil {
		return 0, err
	}

	if !f.mode.canWrite() {
		return 0, &Error{Op: "write", Path: f.name, Kind: ErrInvalidArgument, Err: fmt.Errorf("file opened for %v", f.mode)}
	}

	req := &sshfx.WritePacket{
		Handle: f.handle,
		Offset: f.offset,
	}

	chunkSize := f.s.maxDataLen

	for len(b) > 0 {
		n := min(len(b), chunkSize)

		req.Data, b = b[:n], b[n:]

		if err := f.s.sendPacket(ctx, req); err != nil {
			return written, f.ioErr("write", err)
		}

		req.Offset += uint64(n)
		f.offset += uint64(n)
		written += n
	}

	return written, nil
}

// WriteString is like Write, but writes the contents of the string s rather than a slice of bytes.
func (f *File) WriteString(s string) (n int, err error) {
	b := unsafe.Slice(unsafe.StringData(s), len(s))
	return f.Write(b)
}

// Stat returns a DirectoryEntry describing the file, as reported by the server for the open handle.
func (f *File) Stat() (*DirectoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check("fstat"); err != nil {
		return nil, err
	}

	pkt, err := getPacket[sshfx.AttrsPacket](context.Background(), f.s, &sshfx.FStatPacket{
		Handle: f.handle,
	})
	if err != nil {
		return nil, wrapErr("fstat", f.name, ErrIO, err)
	}

	return newDirectoryEntry(f.name, "", &pkt.Attrs), nil
}

// Close closes the File, releasing the server side handle.
//
// Calling Close again on a closed File returns nil.
// If the Session is no longer Ready, Close fails with ErrSessionClosed,
// since the handle has been released along with the Session.
func (f *File) Close() error {
	if FileState(f.state.Load()) == FileClosed {
		return nil
	}

	if err := f.s.checkReady("close", f.name); err != nil {
		return err
	}

	// The server unconditionally forgets a handle on SSH_FXP_CLOSE,
	// so the File is unusable from here on, whatever the response.
	if prev := f.state.Swap(int32(FileClosed)); FileState(prev) == FileClosed {
		return nil
	}

	f.s.untrack(f)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.s.log.WithField("path", f.name).WithField("handle", f.handle).Debug("closing")

	return wrapErr("close", f.name, ErrIO, f.s.closeHandle(f.handle))
}
