// Package fsops implements the dirfd-relative filesystem operations the
// migration is built on: an open directory handle type, a recursive tree
// copier with merge semantics for pre-seeded files, and a recursive
// delete.
//
// Every operation is performed relative to an open directory handle, never
// by re-resolving an absolute path, so a concurrent rename of an ancestor
// directory cannot redirect an operation mid-walk. Handle names are kept
// only for diagnostics.
package fsops

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/certswap/certswap/pkg/errors"
)

// DirHandle is an open reference to a directory. All entry operations are
// relative to the handle's file descriptor.
type DirHandle struct {
	fd   int
	name string // full path for diagnostics only
}

// Open opens the directory at path. This is the only place a path is
// resolved absolutely; everything below it goes through the handle.
func Open(path string) (*DirHandle, error) {
	fd, err := unix.Openat(unix.AT_FDCWD, path,
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrNotFound,
			"failed to open directory: %s", path)
	}
	return &DirHandle{fd: fd, name: path}, nil
}

// OpenSubdir opens the named directory entry, refusing to follow symlinks.
func (h *DirHandle) OpenSubdir(name string) (*DirHandle, error) {
	fd, err := unix.Openat(h.fd, name,
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrNotFound,
			"failed to open directory: %s", h.entryName(name))
	}
	return &DirHandle{fd: fd, name: h.entryName(name)}, nil
}

// Close releases the handle's file descriptor.
func (h *DirHandle) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to close directory: %s", h.name)
	}
	return nil
}

// Name returns the handle's diagnostic path.
func (h *DirHandle) Name() string {
	return h.name
}

func (h *DirHandle) entryName(name string) string {
	return filepath.Join(h.name, name)
}

// EntryNames lists the names in the directory, in directory order.
// The listing uses an independently opened descriptor so the handle
// itself carries no read offset and can be listed more than once.
func (h *DirHandle) EntryNames() ([]string, error) {
	fd, err := unix.Openat(h.fd, ".",
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileIO,
			"failed to open directory stream: %s", h.name)
	}

	f := os.NewFile(uintptr(fd), h.name)
	names, err := f.Readdirnames(-1)
	closeErr := f.Close()
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileIO,
			"failed to read directory: %s", h.name)
	}
	if closeErr != nil {
		return nil, errors.Wrapf(closeErr, errors.ErrFileIO,
			"failed to close directory stream: %s", h.name)
	}
	return names, nil
}

// Lstat stats the named entry without following symlinks.
func (h *DirHandle) Lstat(name string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(h.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return st, errors.Wrapf(err, errors.ErrNotFound,
			"failed to read file info: %s", h.entryName(name))
	}
	return st, nil
}

// OpenFile opens the named regular entry read-only, refusing symlinks.
func (h *DirHandle) OpenFile(name string) (int, error) {
	fd, err := unix.Openat(h.fd, name,
		unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, errors.ErrNotFound,
			"failed to open file: %s", h.entryName(name))
	}
	return fd, nil
}

// OpenFileRW opens the named regular entry read-write, refusing symlinks.
func (h *DirHandle) OpenFileRW(name string) (int, error) {
	fd, err := unix.Openat(h.fd, name,
		unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, errors.ErrNotFound,
			"failed to open file: %s", h.entryName(name))
	}
	return fd, nil
}

// CreateFile creates the named entry exclusively, open for read-write.
func (h *DirHandle) CreateFile(name string, mode uint32) (int, error) {
	fd, err := unix.Openat(h.fd, name,
		unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, errors.Wrapf(err, errors.ErrFileIO,
			"failed to create file: %s", h.entryName(name))
	}
	return fd, nil
}

// Mkdir creates the named subdirectory.
func (h *DirHandle) Mkdir(name string, mode uint32) error {
	if err := unix.Mkdirat(h.fd, name, mode); err != nil {
		code := errors.ErrDirCreate
		if err == unix.EEXIST {
			code = errors.ErrDirExists
		}
		return errors.Wrapf(err, code,
			"failed to create directory: %s", h.entryName(name))
	}
	return nil
}

// Chown changes the ownership of the directory the handle refers to.
// Either id may be -1 to leave it unchanged.
func (h *DirHandle) Chown(uid, gid int) error {
	if err := unix.Fchown(h.fd, uid, gid); err != nil {
		return errors.Wrapf(err, errors.ErrPermission,
			"failed to change owner of directory: %s", h.name)
	}
	return nil
}

// ChownEntry changes the ownership of the named entry without following
// symlinks.
func (h *DirHandle) ChownEntry(name string, uid, gid int) error {
	if err := unix.Fchownat(h.fd, name, uid, gid, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errors.Wrapf(err, errors.ErrPermission,
			"failed to set ownership: %s", h.entryName(name))
	}
	return nil
}

// ChmodEntry sets the permission bits of the named entry. Not valid for
// symlinks.
func (h *DirHandle) ChmodEntry(name string, mode uint32) error {
	if err := unix.Fchmodat(h.fd, name, mode, 0); err != nil {
		return errors.Wrapf(err, errors.ErrPermission,
			"failed to set permissions: %s", h.entryName(name))
	}
	return nil
}

// SetTimesEntry sets the access and modification timestamps of the named
// entry without following symlinks.
func (h *DirHandle) SetTimesEntry(name string, atime, mtime unix.Timespec) error {
	ts := []unix.Timespec{atime, mtime}
	if err := unix.UtimesNanoAt(h.fd, name, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to set timestamp: %s", h.entryName(name))
	}
	return nil
}

// ReadLink reads the target of the named symlink. The entry must be a
// symlink and its target must be non-empty.
func (h *DirHandle) ReadLink(name string) (string, error) {
	st, err := h.Lstat(name)
	if err != nil {
		return "", err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		return "", errors.Newf(errors.ErrWrongType,
			"not a symbolic link: %s", h.entryName(name))
	}
	return h.readLinkTarget(name, st.Size)
}

// readLinkTarget reads the target of the named symlink, failing if the
// target no longer matches the previously observed size.
func (h *DirHandle) readLinkTarget(name string, size int64) (string, error) {
	if size <= 0 || size > unix.PathMax {
		return "", errors.Newf(errors.ErrLinkInvalid,
			"symbolic link target size invalid: %s", h.entryName(name))
	}

	buf := make([]byte, size+1)
	n, err := unix.Readlinkat(h.fd, name, buf)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrFileIO,
			"failed to read symbolic link target: %s", h.entryName(name))
	}
	if int64(n) != size {
		return "", errors.Newf(errors.ErrLinkChanged,
			"symbolic link target changed: %s", h.entryName(name))
	}
	return string(buf[:n]), nil
}

// SymlinkVerified creates a symlink with the given target under the
// handle, then reads it back and verifies the target is exactly what was
// written. A mismatch means some other actor replaced the link between
// creation and verification.
func (h *DirHandle) SymlinkVerified(target, name string) error {
	if err := unix.Symlinkat(target, h.fd, name); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to create symbolic link: %s", h.entryName(name))
	}

	st, err := h.Lstat(name)
	if err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		return errors.Newf(errors.ErrLinkChanged,
			"not a symbolic link: %s", h.entryName(name))
	}
	if st.Size != int64(len(target)) {
		return errors.Newf(errors.ErrLinkChanged,
			"symbolic link target changed: %s", h.entryName(name))
	}

	readBack, err := h.readLinkTarget(name, st.Size)
	if err != nil {
		return err
	}
	if readBack != target {
		return errors.Newf(errors.ErrLinkChanged,
			"symbolic link target changed: %s", h.entryName(name))
	}
	return nil
}

// Rename atomically renames oldname to newname within the directory.
func (h *DirHandle) Rename(oldname, newname string) error {
	if err := unix.Renameat(h.fd, oldname, h.fd, newname); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to rename: %s to %s", h.entryName(oldname), h.entryName(newname))
	}
	return nil
}

// RemoveEntry unlinks the named entry; set isDir for directories.
func (h *DirHandle) RemoveEntry(name string, isDir bool) error {
	flags := 0
	if isDir {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(h.fd, name, flags); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to delete: %s", h.entryName(name))
	}
	return nil
}

// ValidEntryName rejects names that could escape the directory.
func ValidEntryName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsRune(name, '/')
}
