package sftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultChunkSize is the number of bytes moved per step of a transfer.
const DefaultChunkSize = 32 * 1024

// Outcome is the overall result of a transfer.
type Outcome int

// Transfer outcomes.
const (
	// Success means every byte of the source reached the destination.
	Success Outcome = iota

	// PartialFailure means a fault ended the transfer after at least one chunk had been moved.
	PartialFailure

	// Failure means nothing was moved.
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial failure"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// TransferResult reports how far a transfer got.
type TransferResult struct {
	BytesTransferred uint64
	Outcome          Outcome

	// Err is the fault that ended the transfer, nil on Success.
	Err error
}

// TransferOption specifies an option of a single transfer.
type TransferOption func(*transferConfig) error

type transferConfig struct {
	chunkSize int
	progress  func(transferred uint64)
}

// WithChunkSize sets the number of bytes moved per step.
// The chunk size must be positive.
func WithChunkSize(n int) TransferOption {
	return func(cfg *transferConfig) error {
		if n <= 0 {
			return fmt.Errorf("chunk size must be positive: %d", n)
		}

		cfg.chunkSize = n
		return nil
	}
}

// WithProgress sets a function called after every chunk with the total bytes transferred so far.
func WithProgress(fn func(transferred uint64)) TransferOption {
	return func(cfg *transferConfig) error {
		cfg.progress = fn
		return nil
	}
}

// transfer tracks one Upload or Download.
type transfer struct {
	op   string
	path string
	cfg  transferConfig

	res    TransferResult
	chunks int
}

func newTransfer(op, path string, opts []TransferOption) (*transfer, error) {
	t := &transfer{
		op:   op,
		path: path,
		cfg: transferConfig{
			chunkSize: DefaultChunkSize,
		},
	}

	for _, opt := range opts {
		if err := opt(&t.cfg); err != nil {
			return t, &Error{Op: op, Path: path, Kind: ErrInvalidArgument, Err: err}
		}
	}

	return t, nil
}

func (t *transfer) moved(n int) {
	t.res.BytesTransferred += uint64(n)
	t.chunks++

	if t.cfg.progress != nil {
		t.cfg.progress(t.res.BytesTransferred)
	}
}

// fail ends the transfer with err.
func (t *transfer) fail(err error) (TransferResult, error) {
	t.res.Outcome = Failure
	if t.chunks > 0 {
		t.res.Outcome = PartialFailure
	}

	t.res.Err = err

	return t.res, err
}

func (t *transfer) succeed() (TransferResult, error) {
	t.res.Outcome = Success
	return t.res, nil
}

// Download reads the remote file at remotePath, and writes it to sink in chunks.
//
// The returned error is nil only if the Outcome is Success, and is otherwise equal to the Err of the result.
// The remote file is closed before Download returns, no matter the outcome.
// If remotePath does not exist, nothing is written to sink.
func (s *Session) Download(ctx context.Context, remotePath string, sink io.Writer, opts ...TransferOption) (TransferResult, error) {
	t, err := newTransfer("download", remotePath, opts)
	if err != nil {
		return t.fail(err)
	}

	if sink == nil {
		return t.fail(&Error{Op: t.op, Path: remotePath, Kind: ErrInvalidArgument, Err: fmt.Errorf("nil sink")})
	}

	f, err := s.Open(ctx, remotePath, ModeRead)
	if err != nil {
		return t.fail(wrapErr(t.op, remotePath, ErrIO, err))
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.log.WithError(err).WithField("path", remotePath).Warn("couldn't close after download")
		}
	}()

	buf := make([]byte, t.cfg.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return t.fail(wrapErr(t.op, remotePath, ErrIO, err))
		}

		n, rerr := f.readFull(ctx, buf)

		if rerr != nil && rerr != io.EOF {
			// The partial chunk is dropped, so only whole chunks are ever delivered before a fault.
			return t.fail(wrapErr(t.op, remotePath, ErrIO, rerr))
		}

		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return t.fail(&Error{Op: t.op, Path: remotePath, Kind: ErrIO, Err: fmt.Errorf("sink: %w", err)})
			}

			t.moved(n)
		}

		if rerr == io.EOF {
			return t.succeed()
		}
	}
}

// Upload reads source until EOF, and writes it in chunks to the remote file at remotePath,
// which is created, or truncated if it exists.
//
// The returned error is nil only if the Outcome is Success, and is otherwise equal to the Err of the result.
// The remote file is closed before Upload returns, no matter the outcome.
func (s *Session) Upload(ctx context.Context, source io.Reader, remotePath string, opts ...TransferOption) (TransferResult, error) {
	t, err := newTransfer("upload", remotePath, opts)
	if err != nil {
		return t.fail(err)
	}

	if source == nil {
		return t.fail(&Error{Op: t.op, Path: remotePath, Kind: ErrInvalidArgument, Err: fmt.Errorf("nil source")})
	}

	f, err := s.Open(ctx, remotePath, ModeWrite)
	if err != nil {
		return t.fail(wrapErr(t.op, remotePath, ErrIO, err))
	}

	closed := false
	defer func() {
		if closed {
			return
		}

		if err := f.Close(); err != nil {
			s.log.WithError(err).WithField("path", remotePath).Warn("couldn't close after failed upload")
		}
	}()

	buf := make([]byte, t.cfg.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return t.fail(wrapErr(t.op, remotePath, ErrIO, err))
		}

		n, rerr := io.ReadFull(source, buf)

		if n > 0 {
			if _, err := f.WriteContext(ctx, buf[:n]); err != nil {
				// Like Download, only whole chunks count as moved.
				return t.fail(wrapErr(t.op, remotePath, ErrIO, err))
			}

			t.moved(n)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}

		if rerr != nil {
			return t.fail(&Error{Op: t.op, Path: remotePath, Kind: ErrIO, Err: fmt.Errorf("source: %w", rerr)})
		}
	}

	// The server may only commit the data on close, so a failed close fails the upload.
	closed = true
	if err := f.Close(); err != nil {
		return t.fail(wrapErr(t.op, remotePath, ErrIO, err))
	}

	return t.succeed()
}

// DownloadFile downloads the remote file at remotePath into the local file at localPath.
//
// The data is written to a temporary file next to localPath, which is renamed into place on Success,
// and removed otherwise, so localPath is never left holding a partial download.
func (s *Session) DownloadFile(ctx context.Context, remotePath, localPath string, opts ...TransferOption) (TransferResult, error) {
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part*")
	if err != nil {
		t := &transfer{}
		return t.fail(wrapErr("download", localPath, ErrIO, err))
	}

	res, err := s.Download(ctx, remotePath, tmp, opts...)

	if cerr := tmp.Close(); err == nil && cerr != nil {
		res.Outcome, res.Err = PartialFailure, wrapErr("download", localPath, ErrIO, cerr)
		if res.BytesTransferred == 0 {
			res.Outcome = Failure
		}
		err = res.Err
	}

	if err == nil {
		if rerr := os.Rename(tmp.Name(), localPath); rerr != nil {
			err = wrapErr("download", localPath, ErrIO, rerr)
			res.Outcome, res.Err = Failure, err
		}
	}

	if err != nil {
		os.Remove(tmp.Name())
	}

	return res, err
}

// UploadFile uploads the local file at localPath to the remote file at remotePath.
func (s *Session) UploadFile(ctx context.Context, localPath, remotePath string, opts ...TransferOption) (TransferResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		t := &transfer{}
		return t.fail(wrapErr("upload", localPath, ErrIO, err))
	}
	defer f.Close()

	return s.Upload(ctx, f, remotePath, opts...)
}
