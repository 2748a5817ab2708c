// Package privilege resolves the database principal and scopes the
// effective-identity switch used while mutating the certificate database.
package privilege

import (
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/certswap/certswap/pkg/errors"
	"github.com/certswap/certswap/pkg/logging"
)

// Identity is a resolved principal.
type Identity struct {
	Name string
	UID  int
	GID  int
}

// Resolve looks up the named principal and returns its numeric identity.
// A uid or gid of zero is rejected unless allowRoot is set.
func Resolve(name string, allowRoot bool) (Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return Identity{}, errors.Wrapf(err, errors.ErrIdentity,
			"user does not exist: %s", name)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Identity{}, errors.Wrapf(err, errors.ErrIdentity,
			"non-numeric uid for user %s: %s", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Identity{}, errors.Wrapf(err, errors.ErrIdentity,
			"non-numeric gid for user %s: %s", name, u.Gid)
	}

	if uid == 0 && !allowRoot {
		return Identity{}, errors.Newf(errors.ErrIdentity,
			"database user %s is root but --allow-root not specified", name)
	}
	if gid == 0 && !allowRoot {
		return Identity{}, errors.Newf(errors.ErrIdentity,
			"database group for %s is root but --allow-root not specified", name)
	}

	return Identity{Name: name, UID: uid, GID: gid}, nil
}

// RunAs executes fn with the effective uid/gid switched to id, restoring
// the original identity on every exit path. The switch is verified after
// it is made; a switch that silently did not take effect is an error.
func RunAs(id Identity, fn func() error) (err error) {
	logger := logging.GetLogger("privilege")

	savedUID := unix.Geteuid()
	savedGID := unix.Getegid()

	// syscall.Setegid/Seteuid apply the change to every runtime thread,
	// so fn cannot escape the switch by running on another goroutine.
	if serr := syscall.Setegid(id.GID); serr != nil {
		return errors.Wrapf(serr, errors.ErrIdentity,
			"failed to change effective gid to %d", id.GID)
	}
	defer func() {
		if rerr := syscall.Setegid(savedGID); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, errors.ErrIdentity,
				"failed to restore effective gid to %d", savedGID)
		}
	}()

	if serr := syscall.Seteuid(id.UID); serr != nil {
		return errors.Wrapf(serr, errors.ErrIdentity,
			"failed to change effective uid to %d", id.UID)
	}
	// Restores the uid before the gid restore above runs.
	defer func() {
		if rerr := syscall.Seteuid(savedUID); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, errors.ErrIdentity,
				"failed to restore effective uid to %d", savedUID)
		}
	}()

	if got := unix.Geteuid(); got != id.UID {
		return errors.Newf(errors.ErrIdentity,
			"effective uid not really changed (still %d)", got)
	}
	if got := unix.Getegid(); got != id.GID {
		return errors.Newf(errors.ErrIdentity,
			"effective gid not really changed (still %d)", got)
	}

	logger.Debug().
		Int("uid", id.UID).
		Int("gid", id.GID).
		Msg("Effective identity changed")

	return fn()
}
