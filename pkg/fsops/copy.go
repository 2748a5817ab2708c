package fsops

import (
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/certswap/certswap/pkg/errors"
	"github.com/certswap/certswap/pkg/logging"
)

// CopyTree recursively reproduces every entry of src beneath dest, then
// copies ownership and permissions (but not timestamps) onto dest itself.
//
// Regular files that already exist in the destination are not overwritten
// and their timestamps are left alone; only ownership and permissions are
// copied from the source. This is how the pre-seeded database index files
// keep the mutation already performed on them while still matching the
// source's metadata.
//
// Only regular files, symbolic links, and subdirectories may appear in the
// source tree; anything else fails the whole copy.
func CopyTree(src, dest *DirHandle) error {
	if err := copyDirContents(src, dest); err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Fstat(src.fd, &st); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to read directory info: %s", src.name)
	}

	if err := dest.Chown(int(st.Uid), int(st.Gid)); err != nil {
		return err
	}
	if err := unix.Fchmod(dest.fd, st.Mode&07777); err != nil {
		return errors.Wrapf(err, errors.ErrPermission,
			"failed to set permissions: %s", dest.name)
	}
	return nil
}

func copyDirContents(src, dest *DirHandle) error {
	names, err := src.EntryNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		st, err := src.Lstat(name)
		if err != nil {
			return err
		}

		switch st.Mode & unix.S_IFMT {
		case unix.S_IFREG:
			err = copyFile(src, dest, name, &st)
		case unix.S_IFLNK:
			err = copyLink(src, dest, name, &st)
		case unix.S_IFDIR:
			err = copySubdir(src, dest, name, &st)
		default:
			err = errors.Newf(errors.ErrWrongType,
				"unsupported file type: %s", src.entryName(name))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies one regular file. If the destination entry already
// exists it is assumed to be a pre-seeded database file: contents and
// timestamps are left untouched and only ownership and permissions are
// copied.
func copyFile(src, dest *DirHandle, name string, st *unix.Stat_t) error {
	srcFd, err := src.OpenFile(name)
	if err != nil {
		return err
	}
	defer unix.Close(srcFd)

	copyTimestamps := true

	destFd, err := unix.Openat(dest.fd, name,
		unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0600)
	if err == unix.EEXIST {
		destFd, err = unix.Openat(dest.fd, name,
			unix.O_WRONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			return errors.Wrapf(err, errors.ErrFileIO,
				"failed to open file: %s", dest.entryName(name))
		}
		copyTimestamps = false
	} else if err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to create file: %s", dest.entryName(name))
	} else {
		if cerr := CopyContents(srcFd, destFd, src.entryName(name), dest.entryName(name), st); cerr != nil {
			unix.Close(destFd)
			return cerr
		}
	}

	if err := copyMetadata(dest, name, st, copyTimestamps); err != nil {
		unix.Close(destFd)
		return err
	}

	if err := unix.Close(destFd); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to close file: %s", dest.entryName(name))
	}
	return nil
}

func copyLink(src, dest *DirHandle, name string, st *unix.Stat_t) error {
	target, err := src.readLinkTarget(name, st.Size)
	if err != nil {
		return err
	}

	if err := dest.SymlinkVerified(target, name); err != nil {
		return err
	}

	return copyMetadata(dest, name, st, true)
}

func copySubdir(src, dest *DirHandle, name string, st *unix.Stat_t) error {
	srcSub, err := src.OpenSubdir(name)
	if err != nil {
		return err
	}
	defer srcSub.Close()

	if err := dest.Mkdir(name, 0700); err != nil {
		return err
	}

	destSub, err := dest.OpenSubdir(name)
	if err != nil {
		return err
	}
	defer destSub.Close()

	if err := copyDirContents(srcSub, destSub); err != nil {
		return err
	}
	return copyMetadata(dest, name, st, true)
}

// copyMetadata copies ownership, permission bits, and optionally both
// timestamps from the captured source metadata onto the named destination
// entry. Permission bits are skipped for symlinks, where they have no
// meaning.
func copyMetadata(dest *DirHandle, name string, st *unix.Stat_t, copyTimestamps bool) error {
	if err := dest.ChownEntry(name, int(st.Uid), int(st.Gid)); err != nil {
		return err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		if err := unix.Fchmodat(dest.fd, name, st.Mode&07777, 0); err != nil {
			return errors.Wrapf(err, errors.ErrPermission,
				"failed to set permissions: %s", dest.entryName(name))
		}
	}

	if copyTimestamps {
		ts := []unix.Timespec{st.Atim, st.Mtim}
		if err := unix.UtimesNanoAt(dest.fd, name, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return errors.Wrapf(err, errors.ErrFileIO,
				"failed to set timestamp: %s", dest.entryName(name))
		}
	}
	return nil
}

// CopyContents copies the byte contents of the regular file srcFd into
// destFd. The destination is preallocated to the exact source size, both
// files are memory-mapped, and the bytes are copied in one bulk move.
// After the copy the source's modification time is re-checked against the
// metadata captured before the copy began; a mismatch means the source was
// mutated concurrently and the copy cannot be trusted.
//
// Zero-length files are skipped entirely; mapping a zero-length region is
// undefined.
func CopyContents(srcFd, destFd int, srcName, destName string, st *unix.Stat_t) error {
	if st.Size == 0 {
		return nil
	}
	if st.Size < 0 || uint64(st.Size) > uint64(math.MaxInt) {
		return errors.Newf(errors.ErrFileIO, "file size invalid: %s", srcName)
	}

	logger := logging.GetLogger("fsops")
	logger.Trace().
		Str("path", srcName).
		Str("size", humanize.Bytes(uint64(st.Size))).
		Msg("Copying file contents")

	if err := unix.Fallocate(destFd, 0, 0, st.Size); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to allocate file: %s", destName)
	}

	smap, err := unix.Mmap(srcFd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to map file: %s", srcName)
	}

	dmap, err := unix.Mmap(destFd, 0, int(st.Size), unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(smap)
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to map file: %s", destName)
	}

	copy(dmap, smap)

	if err := unix.Munmap(smap); err != nil {
		unix.Munmap(dmap)
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to unmap file: %s", srcName)
	}
	if err := unix.Munmap(dmap); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to unmap file: %s", destName)
	}

	var after unix.Stat_t
	if err := unix.Fstat(srcFd, &after); err != nil {
		return errors.Wrapf(err, errors.ErrFileIO,
			"failed to read file info: %s", srcName)
	}
	if after.Mtim != st.Mtim {
		return errors.Newf(errors.ErrSourceChanged,
			"file changed during copy: %s", srcName)
	}
	return nil
}
