// Package generation manages the timestamped database generations behind
// the alias symlink: locating the current one, creating and seeding a new
// one, and promoting it.
package generation

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/certswap/certswap/pkg/certdb"
	"github.com/certswap/certswap/pkg/errors"
	"github.com/certswap/certswap/pkg/fsops"
	"github.com/certswap/certswap/pkg/logging"
)

const (
	// AliasName is the symlink in the configuration directory that
	// names the current generation. It is the single point of truth
	// readers resolve.
	AliasName = "alias"

	// tempAliasName is the staging link renamed onto AliasName during
	// promotion.
	tempAliasName = "alias.new"

	// NamePrefix starts every generation directory name.
	NamePrefix = "alias-"

	timestampLayout = "20060102150405"
)

// maxNameLen is the length of a well-formed generation name,
// NamePrefix plus a 14-digit UTC timestamp.
const maxNameLen = len(NamePrefix) + len(timestampLayout)

// LinkOwner is the ownership captured from the alias symlink before the
// migration, applied to the replacement link during promotion.
type LinkOwner struct {
	UID int
	GID int
}

// NewName returns the generation name for the given wall-clock time.
// Two invocations within the same second produce the same name; the
// resulting directory-creation collision is a fatal error, not defended
// against.
func NewName(now time.Time) string {
	return NamePrefix + now.UTC().Format(timestampLayout)
}

// LocateOld resolves the alias symlink in the configuration directory and
// opens the current generation. It returns the opened directory, the
// generation name, and the alias link's ownership for later promotion.
func LocateOld(conf *fsops.DirHandle) (*fsops.DirHandle, string, LinkOwner, error) {
	var owner LinkOwner

	st, err := conf.Lstat(AliasName)
	if err != nil {
		return nil, "", owner, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		return nil, "", owner, errors.Newf(errors.ErrWrongType,
			"not a symbolic link: %s/%s", conf.Name(), AliasName)
	}
	if st.Size > int64(maxNameLen) {
		return nil, "", owner, errors.Newf(errors.ErrLinkInvalid,
			"symbolic link target too long: %s/%s", conf.Name(), AliasName)
	}

	target, err := conf.ReadLink(AliasName)
	if err != nil {
		return nil, "", owner, err
	}
	if !fsops.ValidEntryName(target) {
		return nil, "", owner, errors.Newf(errors.ErrLinkInvalid,
			"symbolic link target invalid: %s/%s -> %s", conf.Name(), AliasName, target)
	}

	old, err := conf.OpenSubdir(target)
	if err != nil {
		return nil, "", owner, err
	}

	owner = LinkOwner{UID: int(st.Uid), GID: int(st.Gid)}
	logger := logging.GetLogger("generation")
	logger.Debug().
		Str("generation", target).
		Msg("Located current generation")

	return old, target, owner, nil
}

// CreateNew creates an empty generation directory named for now, group-
// owned by the database principal so the index files can be mutated under
// its identity. A name collision (two migrations within one second) is
// fatal.
func CreateNew(conf *fsops.DirHandle, now time.Time, dbGID int) (*fsops.DirHandle, string, error) {
	name := NewName(now)

	if err := conf.Mkdir(name, 0750); err != nil {
		return nil, "", err
	}

	dir, err := conf.OpenSubdir(name)
	if err != nil {
		return nil, "", err
	}

	if err := dir.Chown(-1, dbGID); err != nil {
		dir.Close()
		return nil, "", err
	}

	logger := logging.GetLogger("generation")
	logger.Debug().
		Str("generation", name).
		Msg("Created new generation")

	return dir, name, nil
}

// SeedIndexFiles copies the database index file set from the old
// generation into the new one as an exact byte copy with the source's
// timestamps, group-owned and writable by the database principal. All
// three files must exist in the source as regular files; the database is
// undefined over a partial set.
func SeedIndexFiles(old, dest *fsops.DirHandle, dbGID int) error {
	for _, name := range certdb.IndexFileNames {
		if err := seedIndexFile(old, dest, name, dbGID); err != nil {
			return err
		}
	}
	return nil
}

func seedIndexFile(old, dest *fsops.DirHandle, name string, dbGID int) error {
	st, err := old.Lstat(name)
	if err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return errors.Newf(errors.ErrWrongType,
			"not a regular file: %s/%s", old.Name(), name)
	}

	srcFd, err := old.OpenFile(name)
	if err != nil {
		return err
	}
	defer unix.Close(srcFd)

	destFd, err := dest.CreateFile(name, 0660)
	if err != nil {
		return err
	}

	err = fsops.CopyContents(srcFd, destFd,
		old.Name()+"/"+name, dest.Name()+"/"+name, &st)
	if cerr := unix.Close(destFd); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, errors.ErrFileIO,
			"failed to close file: %s/%s", dest.Name(), name)
	}
	if err != nil {
		return err
	}

	if err := dest.ChownEntry(name, -1, dbGID); err != nil {
		return err
	}
	if err := dest.ChmodEntry(name, 0660); err != nil {
		return err
	}
	return dest.SetTimesEntry(name, st.Atim, st.Mtim)
}

// Promote atomically repoints the alias symlink at the new generation.
// The staging link is created and verified first; the rename is the only
// transition a reader can observe.
func Promote(conf *fsops.DirHandle, newName string, owner LinkOwner) error {
	if err := conf.SymlinkVerified(newName, tempAliasName); err != nil {
		return err
	}

	if err := conf.ChownEntry(tempAliasName, owner.UID, owner.GID); err != nil {
		return err
	}

	if err := conf.Rename(tempAliasName, AliasName); err != nil {
		return err
	}

	logger := logging.GetLogger("generation")
	logger.Info().
		Str("generation", newName).
		Msg("Promoted new generation")
	return nil
}
