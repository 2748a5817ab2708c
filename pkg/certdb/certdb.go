// Package certdb is the adapter over the embedded certificate database:
// three fixed index files that are opened as a unit, mutated in memory,
// and flushed back in place on close.
package certdb

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/certswap/certswap/pkg/errors"
	"github.com/certswap/certswap/pkg/fsops"
	"github.com/certswap/certswap/pkg/logging"
)

// IndexFileNames is the fixed file set constituting one database.
// Opening a database with a partial set is undefined; every operation
// here requires all three.
var IndexFileNames = []string{"cert-index", "key-index", "module-index"}

const (
	certIndexName   = "cert-index"
	keyIndexName    = "key-index"
	moduleIndexName = "module-index"
)

// AuthShared marks a database with no separate authentication secret.
// Only shared databases are supported.
const AuthShared = "shared"

// CertRecord is one stored certificate entry.
type CertRecord struct {
	Nickname  string `json:"nickname"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
	PEM       string `json:"pem"`
}

// moduleIndex describes the database itself. Only the auth mode is
// interpreted; module records are carried opaquely.
type moduleIndex struct {
	Version int               `json:"version"`
	Auth    string            `json:"auth"`
	Modules []json.RawMessage `json:"modules"`
}

// DB is an open certificate database. It is not safe for concurrent use;
// the migration is strictly sequential.
type DB struct {
	name    string
	files   map[string]*os.File
	certs   []CertRecord
	keysRaw []byte // key-index carried verbatim
	modules moduleIndex
	closed  bool
}

// Open opens the index file set in dir read-write. All three files must
// exist as regular files. A database that declares password
// authentication is a fatal configuration error.
func Open(dir *fsops.DirHandle) (*DB, error) {
	db := &DB{
		name:  dir.Name(),
		files: make(map[string]*os.File, len(IndexFileNames)),
	}

	for _, name := range IndexFileNames {
		st, err := dir.Lstat(name)
		if err != nil {
			db.closeWithoutFlush()
			return nil, errors.Wrapf(err, errors.ErrDBOpen,
				"failed to open database: %s", dir.Name())
		}
		if st.Mode&unix.S_IFMT != unix.S_IFREG {
			db.closeWithoutFlush()
			return nil, errors.Newf(errors.ErrDBOpen,
				"not a regular file: %s/%s", dir.Name(), name)
		}

		fd, err := dir.OpenFileRW(name)
		if err != nil {
			db.closeWithoutFlush()
			return nil, errors.Wrapf(err, errors.ErrDBOpen,
				"failed to open database: %s", dir.Name())
		}
		db.files[name] = os.NewFile(uintptr(fd), dir.Name()+"/"+name)
	}

	if err := db.load(); err != nil {
		db.closeWithoutFlush()
		return nil, err
	}

	if db.modules.Auth != "" && db.modules.Auth != AuthShared {
		db.closeWithoutFlush()
		return nil, errors.Newf(errors.ErrDBAuth,
			"database requires authentication: %s", dir.Name())
	}

	logger := logging.GetLogger("certdb")
	logger.Debug().
		Str("database", dir.Name()).
		Int("certificates", len(db.certs)).
		Msg("Opened certificate database")

	return db, nil
}

func (db *DB) load() error {
	certData, err := readAll(db.files[certIndexName])
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBOpen,
			"failed to read database index: %s/%s", db.name, certIndexName)
	}
	if len(certData) > 0 {
		if err := json.Unmarshal(certData, &db.certs); err != nil {
			return errors.Wrapf(err, errors.ErrDBCorrupt,
				"failed to parse database index: %s/%s", db.name, certIndexName)
		}
	}

	db.keysRaw, err = readAll(db.files[keyIndexName])
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBOpen,
			"failed to read database index: %s/%s", db.name, keyIndexName)
	}
	if len(db.keysRaw) > 0 && !json.Valid(db.keysRaw) {
		return errors.Newf(errors.ErrDBCorrupt,
			"failed to parse database index: %s/%s", db.name, keyIndexName)
	}

	moduleData, err := readAll(db.files[moduleIndexName])
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBOpen,
			"failed to read database index: %s/%s", db.name, moduleIndexName)
	}
	if len(moduleData) > 0 {
		if err := json.Unmarshal(moduleData, &db.modules); err != nil {
			return errors.Wrapf(err, errors.ErrDBCorrupt,
				"failed to parse database index: %s/%s", db.name, moduleIndexName)
		}
	}
	return nil
}

func readAll(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// Certificates returns the stored certificate entries.
func (db *DB) Certificates() []CertRecord {
	return db.certs
}

// RemoveMatching deletes every entry whose nickname equals subject and
// returns how many were removed. Zero is legal: first-time issuance has
// nothing to remove.
func (db *DB) RemoveMatching(subject string) (int, error) {
	if db.closed {
		return 0, errors.Newf(errors.ErrDBMutate, "database already closed: %s", db.name)
	}

	logger := logging.GetLogger("certdb")
	logger.Debug().
		Str("subject", subject).
		Str("database", db.name).
		Msg("Deleting existing certificates")

	kept := db.certs[:0]
	removed := 0
	for _, rec := range db.certs {
		if rec.Nickname != subject {
			logger.Trace().
				Str("nickname", rec.Nickname).
				Str("expires", rec.NotAfter).
				Msg("Ignoring entry")
			kept = append(kept, rec)
			continue
		}
		logger.Debug().
			Str("nickname", rec.Nickname).
			Str("expires", rec.NotAfter).
			Msg("Deleting entry")
		removed++
	}
	db.certs = kept

	logger.Info().
		Int("removed", removed).
		Str("subject", subject).
		Msg("Deleted existing certificates")
	return removed, nil
}

// Insert adds the certificate under its subject nickname. A duplicate
// nickname is rejected; callers remove matching entries first.
func (db *DB) Insert(cert *Certificate) error {
	if db.closed {
		return errors.Newf(errors.ErrDBMutate, "database already closed: %s", db.name)
	}

	for _, rec := range db.certs {
		if rec.Nickname == cert.Subject {
			return errors.Newf(errors.ErrDBMutate,
				"certificate for %s already present in database: %s",
				cert.Subject, db.name)
		}
	}

	db.certs = append(db.certs, CertRecord{
		Nickname:  cert.Subject,
		NotBefore: cert.X509.NotBefore.UTC().Format(expiryLayout),
		NotAfter:  cert.X509.NotAfter.UTC().Format(expiryLayout),
		PEM:       cert.PEM,
	})

	logger := logging.GetLogger("certdb")
	logger.Info().
		Str("subject", cert.Subject).
		Str("expires", cert.NotAfterText()).
		Msg("Added certificate to database")
	return nil
}

// Close flushes all three index files in place and releases the handles.
// A flush failure is fatal to the migration.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	certData, err := json.MarshalIndent(db.certs, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBFlush,
			"failed to encode database index: %s/%s", db.name, certIndexName)
	}
	if db.modules.Auth == "" {
		db.modules.Auth = AuthShared
	}
	moduleData, err := json.MarshalIndent(db.modules, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBFlush,
			"failed to encode database index: %s/%s", db.name, moduleIndexName)
	}

	keysRaw := db.keysRaw
	if len(keysRaw) == 0 {
		keysRaw = []byte("[]")
	}

	contents := map[string][]byte{
		certIndexName:   certData,
		keyIndexName:    keysRaw,
		moduleIndexName: moduleData,
	}

	for _, name := range IndexFileNames {
		if err := flushFile(db.files[name], contents[name]); err != nil {
			return errors.Wrapf(err, errors.ErrDBFlush,
				"failed to flush database index: %s/%s", db.name, name)
		}
	}

	for _, name := range IndexFileNames {
		if err := db.files[name].Close(); err != nil {
			return errors.Wrapf(err, errors.ErrDBFlush,
				"failed to close database index: %s/%s", db.name, name)
		}
	}

	logger := logging.GetLogger("certdb")
	logger.Debug().
		Str("database", db.name).
		Msg("Closed certificate database")
	return nil
}

func flushFile(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// closeWithoutFlush releases handles on the open error path.
func (db *DB) closeWithoutFlush() {
	db.closed = true
	for _, f := range db.files {
		_ = f.Close()
	}
}
