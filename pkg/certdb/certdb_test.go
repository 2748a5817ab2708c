// pkg/certdb/certdb_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Real filesystem
// PURPOSE: Test database open/mutate/close semantics over the index file set

package certdb_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certswap/certswap/pkg/certdb"
	"github.com/certswap/certswap/pkg/errors"
	"github.com/certswap/certswap/pkg/fsops"
	"github.com/certswap/certswap/pkg/testutil"
)

func seededDB(t *testing.T, certs []certdb.CertRecord) (string, *fsops.DirHandle) {
	t.Helper()

	dir := t.TempDir()
	testutil.WriteIndexFiles(t, dir, certs)

	h, err := fsops.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return dir, h
}

func loadTestCert(t *testing.T, subject string) *certdb.Certificate {
	t.Helper()

	certDir := t.TempDir()
	testutil.WriteCertFile(t, certDir, subject,
		testutil.GenerateCertPEM(t, subject, 90*24*time.Hour))

	cert, err := certdb.LoadCertificate(certDir, subject)
	require.NoError(t, err)
	return cert
}

func TestOpen_RequiresCompleteFileSet(t *testing.T) {
	for _, missing := range certdb.IndexFileNames {
		t.Run("missing_"+missing, func(t *testing.T) {
			dir, h := seededDB(t, nil)
			require.NoError(t, os.Remove(filepath.Join(dir, missing)))

			_, err := certdb.Open(h)
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, errors.ErrDBOpen), "got %v", err)
		})
	}
}

func TestOpen_RejectsPasswordDatabase(t *testing.T) {
	dir, h := seededDB(t, nil)
	moduleData := []byte(`{"version":1,"auth":"password","modules":[]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module-index"), moduleData, 0660))

	_, err := certdb.Open(h)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrDBAuth), "got %v", err)
}

func TestOpen_RejectsCorruptIndex(t *testing.T) {
	dir, h := seededDB(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert-index"), []byte("{not json"), 0660))

	_, err := certdb.Open(h)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrDBCorrupt), "got %v", err)
}

func TestRemoveMatching(t *testing.T) {
	tests := []struct {
		name        string
		certs       []certdb.CertRecord
		subject     string
		wantRemoved int
		wantLeft    []string
	}{
		{
			name: "removes_all_matching_entries",
			certs: []certdb.CertRecord{
				{Nickname: "example.com", NotAfter: "Mon Jan 01 00:00:00 2024 UTC"},
				{Nickname: "other.org"},
				{Nickname: "example.com", NotAfter: "Wed Jan 01 00:00:00 2025 UTC"},
			},
			subject:     "example.com",
			wantRemoved: 2,
			wantLeft:    []string{"other.org"},
		},
		{
			name:        "zero_matches_is_legal",
			certs:       []certdb.CertRecord{{Nickname: "other.org"}},
			subject:     "example.com",
			wantRemoved: 0,
			wantLeft:    []string{"other.org"},
		},
		{
			name:        "empty_database",
			certs:       nil,
			subject:     "example.com",
			wantRemoved: 0,
			wantLeft:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := seededDB(t, tt.certs)

			db, err := certdb.Open(h)
			require.NoError(t, err)
			defer db.Close()

			removed, err := db.RemoveMatching(tt.subject)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRemoved, removed)

			var left []string
			for _, rec := range db.Certificates() {
				left = append(left, rec.Nickname)
			}
			assert.Equal(t, tt.wantLeft, left)
		})
	}
}

func TestInsert(t *testing.T) {
	_, h := seededDB(t, []certdb.CertRecord{{Nickname: "other.org"}})

	db, err := certdb.Open(h)
	require.NoError(t, err)
	defer db.Close()

	cert := loadTestCert(t, "example.com")
	require.NoError(t, db.Insert(cert))

	err = db.Insert(cert)
	require.Error(t, err, "duplicate nickname must be rejected")
	assert.True(t, errors.IsErrorCode(err, errors.ErrDBMutate))
}

func TestCloseFlushesChanges(t *testing.T) {
	dir, h := seededDB(t, []certdb.CertRecord{
		{Nickname: "example.com", NotAfter: "Mon Jan 01 00:00:00 2024 UTC"},
		{Nickname: "other.org"},
	})

	db, err := certdb.Open(h)
	require.NoError(t, err)

	_, err = db.RemoveMatching("example.com")
	require.NoError(t, err)
	require.NoError(t, db.Insert(loadTestCert(t, "example.com")))
	require.NoError(t, db.Close())

	// Re-reading the files directly must show the mutation.
	certs := testutil.ReadCertIndex(t, dir)
	names := map[string]int{}
	for _, rec := range certs {
		names[rec.Nickname]++
	}
	assert.Equal(t, 1, names["example.com"], "exactly one entry for the subject")
	assert.Equal(t, 1, names["other.org"], "other subjects untouched")

	// key-index is carried verbatim, module-index stays shared.
	keyData, err := os.ReadFile(filepath.Join(dir, "key-index"))
	require.NoError(t, err)
	assert.True(t, json.Valid(keyData))
	assert.Contains(t, string(keyData), "server-key")

	moduleData, err := os.ReadFile(filepath.Join(dir, "module-index"))
	require.NoError(t, err)
	assert.Contains(t, string(moduleData), `"auth": "shared"`)
}

func TestMutateAfterCloseFails(t *testing.T) {
	_, h := seededDB(t, nil)

	db, err := certdb.Open(h)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.RemoveMatching("example.com")
	assert.True(t, errors.IsErrorCode(err, errors.ErrDBMutate))

	err = db.Insert(loadTestCert(t, "example.com"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrDBMutate))
}
