// Package migrate sequences a full database migration: locate the current
// generation, build and mutate a new one, promote it, and delete the old.
//
// Every step failure is fatal to the run. Errors are propagated, wrapped
// with the failing step, up to the single top-level handler in the CLI;
// nothing here retries, rolls back, or terminates the process itself.
package migrate

import (
	"fmt"
	"time"

	"github.com/certswap/certswap/pkg/certdb"
	"github.com/certswap/certswap/pkg/fsops"
	"github.com/certswap/certswap/pkg/generation"
	"github.com/certswap/certswap/pkg/logging"
	"github.com/certswap/certswap/pkg/privilege"
)

// Step identifies the state the migration was completing when it failed.
type Step string

const (
	StepOldLocated Step = "OLD_LOCATED"
	StepNewCreated Step = "NEW_CREATED"
	StepSeedCopied Step = "SEED_COPIED"
	StepDBOpen     Step = "DB_OPEN"
	StepDBMutated  Step = "DB_MUTATED"
	StepDBClosed   Step = "DB_CLOSED"
	StepTreeCopied Step = "TREE_COPIED"
	StepSwapped    Step = "SWAPPED"
	StepOldDeleted Step = "OLD_DELETED"
)

// StepError wraps a step failure for the top-level handler.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration failed at %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func fail(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}

// Options carries the resolved inputs for one migration run.
type Options struct {
	// ConfDir holds the alias symlink and the generation directories.
	ConfDir string

	// CertDir holds the input <subject>.crt file.
	CertDir string

	// Subject is the logical name being replaced.
	Subject string

	// DBUser is the identity assumed while mutating the database.
	DBUser privilege.Identity

	// Now supplies the wall-clock time for generation naming. Nil means
	// time.Now.
	Now func() time.Time
}

// Run performs one migration. On failure the filesystem is left as-is:
// before promotion the old generation is still current and intact; a
// failure during or after promotion leaves whatever the failing step left
// behind, to be ignored by the next run.
func Run(opts Options) error {
	logger := logging.GetLogger("migrate")
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conf, err := fsops.Open(opts.ConfDir)
	if err != nil {
		return fail(StepOldLocated, err)
	}
	defer conf.Close()

	old, oldName, owner, err := generation.LocateOld(conf)
	if err != nil {
		return fail(StepOldLocated, err)
	}
	defer old.Close()
	logger.Debug().Str("generation", oldName).Msg("Old generation located")

	newDir, newName, err := generation.CreateNew(conf, now(), opts.DBUser.GID)
	if err != nil {
		return fail(StepNewCreated, err)
	}
	defer newDir.Close()

	if err := generation.SeedIndexFiles(old, newDir, opts.DBUser.GID); err != nil {
		return fail(StepSeedCopied, err)
	}
	logger.Debug().Str("generation", newName).Msg("Index files seeded")

	if err := mutateDatabase(opts, newDir); err != nil {
		return err
	}

	if err := fsops.CopyTree(old, newDir); err != nil {
		return fail(StepTreeCopied, err)
	}
	logger.Debug().Str("generation", newName).Msg("Tree copied")

	if err := generation.Promote(conf, newName, owner); err != nil {
		return fail(StepSwapped, err)
	}

	if err := fsops.RemoveContents(old); err != nil {
		return fail(StepOldDeleted, err)
	}
	if err := conf.RemoveEntry(oldName, true); err != nil {
		return fail(StepOldDeleted, err)
	}

	logger.Info().
		Str("subject", opts.Subject).
		Str("old", oldName).
		Str("new", newName).
		Msg("Migration complete")
	return nil
}

// mutateDatabase performs the open/remove/insert/close sequence under the
// database principal's effective identity. The identity is restored on
// every exit path before the error propagates.
func mutateDatabase(opts Options, newDir *fsops.DirHandle) error {
	logger := logging.GetLogger("migrate")

	return privilege.RunAs(opts.DBUser, func() error {
		db, err := certdb.Open(newDir)
		if err != nil {
			return fail(StepDBOpen, err)
		}

		cert, err := certdb.LoadCertificate(opts.CertDir, opts.Subject)
		if err != nil {
			db.Close()
			return fail(StepDBMutated, err)
		}

		removed, err := db.RemoveMatching(opts.Subject)
		if err != nil {
			db.Close()
			return fail(StepDBMutated, err)
		}

		if err := db.Insert(cert); err != nil {
			db.Close()
			return fail(StepDBMutated, err)
		}

		if err := db.Close(); err != nil {
			return fail(StepDBClosed, err)
		}

		logger.Info().
			Str("subject", opts.Subject).
			Int("removed", removed).
			Str("expires", cert.NotAfterText()).
			Msg("Certificate replaced in database")
		return nil
	})
}
