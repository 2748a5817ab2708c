package fsops

import (
	"golang.org/x/sys/unix"
)

// RemoveContents recursively deletes every entry beneath the handle. The
// directory itself is left in place; the caller removes it from its parent
// once its handle is no longer needed.
func RemoveContents(dir *DirHandle) error {
	names, err := dir.EntryNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		st, err := dir.Lstat(name)
		if err != nil {
			return err
		}

		isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
		if isDir {
			sub, err := dir.OpenSubdir(name)
			if err != nil {
				return err
			}
			err = RemoveContents(sub)
			if cerr := sub.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}

		if err := dir.RemoveEntry(name, isDir); err != nil {
			return err
		}
	}
	return nil
}
