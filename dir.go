package sftp

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	kfs "github.com/kr/fs"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
)

// Attributes are the decoded attributes of a remote file.
// Fields the server did not send are left at their zero value.
type Attributes struct {
	Size        uint64
	Permissions uint32 // POSIX mode bits, including the file type
	ModTime     time.Time
	IsDirectory bool
}

// DirectoryEntry is one entry of a remote directory listing,
// or the result of a Stat.
//
// DirectoryEntry implements fs.FileInfo and fs.DirEntry.
type DirectoryEntry struct {
	Filename string
	Longname string
	Attrs    Attributes

	raw sshfx.Attributes
}

func newDirectoryEntry(name, longname string, attrs *sshfx.Attributes) *DirectoryEntry {
	e := &DirectoryEntry{
		Filename: name,
		Longname: longname,
		raw:      *attrs,
	}

	e.Attrs.Size, _ = attrs.GetSize()

	if perms, ok := attrs.GetPermissions(); ok {
		e.Attrs.Permissions = uint32(perms)
		e.Attrs.IsDirectory = perms.IsDir()
	}

	if mtime, ok := attrs.GetModTime(); ok {
		e.Attrs.ModTime = mtime
	}

	if e.Longname == "" {
		e.Longname = FormatLongname(e, time.Now())
	}

	return e
}

// Name returns the base name of the entry.
func (e *DirectoryEntry) Name() string { return e.Filename }

// Size returns the length in bytes of the entry.
func (e *DirectoryEntry) Size() int64 { return int64(e.Attrs.Size) }

// Mode returns the file mode bits of the entry.
func (e *DirectoryEntry) Mode() fs.FileMode {
	return sshfx.FileMode(e.Attrs.Permissions).ToGoFileMode()
}

// ModTime returns the modification time of the entry.
func (e *DirectoryEntry) ModTime() time.Time { return e.Attrs.ModTime }

// IsDir reports whether the entry describes a directory.
func (e *DirectoryEntry) IsDir() bool { return e.Attrs.IsDirectory }

// Sys returns the raw *filexfer.Attributes as received from the server.
func (e *DirectoryEntry) Sys() any { return &e.raw }

// Type returns the type bits of the entry.
func (e *DirectoryEntry) Type() fs.FileMode { return e.Mode().Type() }

// Info returns the entry itself.
func (e *DirectoryEntry) Info() (fs.FileInfo, error) { return e, nil }

func (e *DirectoryEntry) String() string {
	return fs.FormatFileInfo(e)
}

// List returns an iterator over the entries of the named directory,
// in the order the server returns them.
// The "." and ".." entries are skipped.
//
// Each iteration opens a fresh directory handle, and fetches entries lazily.
// The handle is closed when the iteration ends, no matter how it ends,
// and no further entries are requested once the loop body stops the iteration.
//
// An error is yielded at most once, and ends the iteration.
func (s *Session) List(ctx context.Context, name string) iter.Seq2[*DirectoryEntry, error] {
	return func(yield func(*DirectoryEntry, error) bool) {
		if err := s.checkReady("opendir", name); err != nil {
			yield(nil, err)
			return
		}

		pkt, err := getPacket[sshfx.HandlePacket](ctx, s, &sshfx.OpenDirPacket{
			Path: name,
		})
		if err != nil {
			yield(nil, wrapErr("opendir", name, ErrIO, err))
			return
		}

		log := s.log.WithField("path", name).WithField("handle", pkt.Handle)
		log.Debug("opened directory")

		defer func() {
			if s.State() != StateReady {
				// Handles are released along with the Session.
				return
			}

			if err := s.closeHandle(pkt.Handle); err != nil {
				log.WithError(err).Warn("couldn't close directory handle")
			}
		}()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, wrapErr("readdir", name, ErrIO, err))
				return
			}

			names, err := getPacket[sshfx.NamePacket](ctx, s, &sshfx.ReadDirPacket{
				Handle: pkt.Handle,
			})
			if err != nil {
				if err == io.EOF {
					return
				}

				yield(nil, wrapErr("readdir", name, ErrIO, err))
				return
			}

			for _, ent := range names.Entries {
				switch ent.Filename {
				case ".", "..":
					continue
				}

				if !yield(newDirectoryEntry(ent.Filename, ent.Longname, &ent.Attrs), nil) {
					return
				}
			}
		}
	}
}

// ReadDir reads the named directory,
// returning all its directory entries sorted by filename.
func (s *Session) ReadDir(ctx context.Context, name string) ([]*DirectoryEntry, error) {
	var entries []*DirectoryEntry

	for ent, err := range s.List(ctx, name) {
		if err != nil {
			return entries, err
		}

		entries = append(entries, ent)
	}

	slices.SortFunc(entries, func(a, b *DirectoryEntry) int {
		return strings.Compare(a.Filename, b.Filename)
	})

	return entries, nil
}

func (s *Session) stat(ctx context.Context, op, name string, req sshfx.PacketMarshaller) (*DirectoryEntry, error) {
	if err := s.checkReady(op, name); err != nil {
		return nil, err
	}

	pkt, err := getPacket[sshfx.AttrsPacket](ctx, s, req)
	if err != nil {
		return nil, wrapErr(op, name, ErrIO, err)
	}

	return newDirectoryEntry(path.Base(name), "", &pkt.Attrs), nil
}

// Stat returns a DirectoryEntry describing the named file, following symbolic links.
func (s *Session) Stat(ctx context.Context, name string) (*DirectoryEntry, error) {
	return s.stat(ctx, "stat", name, &sshfx.StatPacket{
		Path: name,
	})
}

// Lstat returns a DirectoryEntry describing the named file.
// If the file is a symbolic link, the returned entry describes the link itself.
func (s *Session) Lstat(ctx context.Context, name string) (*DirectoryEntry, error) {
	return s.stat(ctx, "lstat", name, &sshfx.LStatPacket{
		Path: name,
	})
}

// Walk returns a new Walker rooted at root.
func (s *Session) Walk(root string) *kfs.Walker {
	return kfs.WalkFS(root, walkFS{s})
}

// walkFS adapts a Session to the kfs.FileSystem used by Walk.
type walkFS struct {
	s *Session
}

func (w walkFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := w.s.ReadDir(context.Background(), dirname)

	infos := make([]os.FileInfo, len(entries))
	for i, ent := range entries {
		infos[i] = ent
	}

	return infos, err
}

func (w walkFS) Lstat(name string) (os.FileInfo, error) {
	ent, err := w.s.Lstat(context.Background(), name)
	if err != nil {
		return nil, err
	}

	return ent, nil
}

func (w walkFS) Join(elem ...string) string {
	return path.Join(elem...)
}
