package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-pos-core/internal/database"
	"go-pos-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// makeStore writes a closed store file holding the given usernames.
func makeStore(t *testing.T, path string, usernames ...string) {
	t.Helper()
	s, err := database.OpenAndMigrate(path, false)
	require.NoError(t, err)
	for _, u := range usernames {
		require.NoError(t, s.DB().Create(&models.User{Username: u, Role: models.RoleCashier, IsActive: true}).Error)
	}
	require.NoError(t, s.Close())
}

func setMTime(t *testing.T, path string, when time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, when, when))
	if _, err := os.Stat(path + "-wal"); err == nil {
		require.NoError(t, os.Chtimes(path+"-wal", when, when))
	}
}

func usernames(t *testing.T, s *database.Store) []string {
	t.Helper()
	var names []string
	require.NoError(t, s.DB().Model(&models.User{}).Order("username").Pluck("username", &names).Error)
	return names
}

type env struct {
	dir    string
	active string
	store  *database.Store
	r      *Restorer
}

func newEnv(t *testing.T, activeUsers ...string) *env {
	t.Helper()
	dir := t.TempDir()
	active := filepath.Join(dir, "data", "pos.db")
	if len(activeUsers) > 0 {
		makeStore(t, active, activeUsers...)
	}
	store, err := database.Open(active, false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := &Restorer{
		Store: store,
		Candidates: []Candidate{
			{Name: "override", Path: filepath.Join(dir, "override.db")},
			{Name: "durable", Path: filepath.Join(dir, "docs", "pos-latest.db")},
			{Name: "secondary", Path: filepath.Join(dir, "home", "pos-latest.db")},
			{Name: "bundled", Path: filepath.Join(dir, "seed", "pos.db")},
		},
		DurablePaths:  []string{filepath.Join(dir, "docs", "pos-latest.db"), filepath.Join(dir, "home", "pos-latest.db")},
		AdminUsername: "admin",
		AdminPassword: "admin123",
	}
	return &env{dir: dir, active: active, store: store, r: r}
}

func TestBootstrap_RestoresNewerCandidate(t *testing.T) {
	e := newEnv(t, "alice")
	t0 := time.Now().Add(-2 * time.Hour)
	setMTime(t, e.active, t0)

	durable := e.r.Candidates[1].Path
	makeStore(t, durable, "alice", "bob")
	setMTime(t, durable, t0.Add(time.Hour))

	report, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Restored)
	assert.Equal(t, "durable", report.Source)
	assert.Equal(t, []string{"alice", "bob"}, usernames(t, e.store))
	assert.False(t, report.CreatedAdmin)
}

func TestBootstrap_KeepsNewerActiveStore(t *testing.T) {
	e := newEnv(t, "alice")
	t0 := time.Now().Add(-time.Hour)
	setMTime(t, e.active, t0)

	durable := e.r.Candidates[1].Path
	makeStore(t, durable, "mallory")
	setMTime(t, durable, t0.Add(-time.Hour))

	report, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Restored)
	assert.Equal(t, []string{"alice"}, usernames(t, e.store))
}

func TestBootstrap_EmptyStoreForcesRestoreOfNewestCandidate(t *testing.T) {
	e := newEnv(t)
	old := time.Now().Add(-48 * time.Hour)

	bundled := e.r.Candidates[3].Path
	makeStore(t, bundled, "seed")
	setMTime(t, bundled, old)

	secondary := e.r.Candidates[2].Path
	makeStore(t, secondary, "carol")
	setMTime(t, secondary, old.Add(time.Hour))

	report, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Restored)
	assert.Equal(t, "secondary", report.Source)
	assert.Equal(t, []string{"carol"}, usernames(t, e.store))
}

func TestBootstrap_IsIdempotent(t *testing.T) {
	e := newEnv(t, "alice")
	t0 := time.Now().Add(-2 * time.Hour)
	setMTime(t, e.active, t0)
	override := e.r.Candidates[0].Path
	makeStore(t, override, "alice", "dave")
	setMTime(t, override, t0.Add(time.Hour))

	first, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	require.True(t, first.Restored)

	second, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, second.Restored)
	assert.Equal(t, first.Counts, second.Counts)
}

func TestBootstrap_CreatesDefaultAdminWhenNothingToRestore(t *testing.T) {
	e := newEnv(t)

	report, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Restored)
	assert.True(t, report.CreatedAdmin)
	assert.Equal(t, int64(1), report.Counts.Users)

	var admin models.User
	require.NoError(t, e.store.DB().First(&admin).Error)
	assert.Equal(t, "admin", admin.Username)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte("admin123")))

	again, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, again.CreatedAdmin)
	assert.Equal(t, int64(1), again.Counts.Users)
}

func TestBootstrap_SkipsFilesThatAreNotStores(t *testing.T) {
	e := newEnv(t)
	override := e.r.Candidates[0].Path
	require.NoError(t, os.WriteFile(override, []byte("definitely not sqlite"), 0o644))

	report, err := e.r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Restored)
	assert.True(t, report.CreatedAdmin)
}

func TestRestore_ReplacesStoreAndRefreshesDurableCopies(t *testing.T) {
	e := newEnv(t, "alice")
	src := filepath.Join(e.dir, "picked.db")
	makeStore(t, src, "erin", "frank")
	srcTime := time.Now().Add(-3 * time.Hour).Truncate(time.Second)
	setMTime(t, src, srcTime)

	report, err := e.r.Restore(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, report.RestartRequired)
	assert.Equal(t, int64(2), report.Counts.Users)
	assert.Equal(t, []string{"erin", "frank"}, usernames(t, e.store))

	for _, p := range e.r.DurablePaths {
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, fi.ModTime().Equal(srcTime), p)
	}
}

func TestRestore_RejectsNonStore(t *testing.T) {
	e := newEnv(t, "alice")
	bad := filepath.Join(e.dir, "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte("hello there, this is text"), 0o644))

	_, err := e.r.Restore(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, []string{"alice"}, usernames(t, e.store))
}

func TestSnapshot_WritesCopiesAndRotates(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "pos.db")
	makeStore(t, active, "alice")
	store, err := database.Open(active, false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.Local)
	tick := 0
	durable := filepath.Join(dir, "docs", "pos-latest.db")
	s := &Snapshotter{
		Store:        store,
		Dir:          filepath.Join(dir, "backups"),
		DurablePaths: []string{durable},
		Now: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Minute)
		},
	}

	var paths []string
	for i := 0; i < 12; i++ {
		p, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		paths = append(paths, p)
	}

	kept, err := s.List()
	require.NoError(t, err)
	require.Len(t, kept, DefaultKeep)
	assert.Equal(t, paths[11], kept[0])
	assert.Equal(t, paths[2], kept[9])
	for _, gone := range paths[:2] {
		_, err := os.Stat(gone)
		assert.True(t, os.IsNotExist(err), gone)
	}
	assert.Equal(t, filepath.Join(dir, "backups", fmt.Sprintf("pos-%s.db", base.Add(12*time.Minute).Format(stampLayout))), paths[11])

	last, _ := s.Last()
	assert.Equal(t, paths[11], last)

	// The snapshot is a usable store.
	copied, err := database.Open(paths[11], false)
	require.NoError(t, err)
	defer copied.Close()
	assert.Equal(t, []string{"alice"}, usernames(t, copied))

	// The durable copy is not newer than the store it came from, so a
	// bootstrap against it is a no-op.
	activeTime, _ := storeMTime(active)
	fi, err := os.Stat(durable)
	require.NoError(t, err)
	assert.False(t, fi.ModTime().After(activeTime))
}

func TestOnClose_RespectsSetting(t *testing.T) {
	dir := t.TempDir()
	store, err := database.OpenAndMigrate(filepath.Join(dir, "pos.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s := &Snapshotter{Store: store, Dir: filepath.Join(dir, "backups")}

	require.NoError(t, database.PutSetting(store.DB(), database.SettingBackupOnClose, "false"))
	s.OnClose(context.Background())
	snaps, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, snaps)

	require.NoError(t, database.PutSetting(store.DB(), database.SettingBackupOnClose, "true"))
	s.OnClose(context.Background())
	snaps, err = s.List()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestBootstrap_ComparesAgainstStateBeforeOpen(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "data", "pos.db")
	durable := filepath.Join(dir, "docs", "pos-latest.db")
	makeStore(t, active, "alice")
	makeStore(t, durable, "bob")
	now := time.Now()
	setMTime(t, active, now.Add(-2*time.Hour))
	setMTime(t, durable, now.Add(-time.Hour))

	// Same order as the terminal startup: observe, then open.
	before := ObserveStore(active)
	store, err := database.Open(active, false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := &Restorer{
		Store:         store,
		Candidates:    []Candidate{{Name: "durable", Path: durable}},
		AdminUsername: "admin",
		AdminPassword: "admin123",
		Active:        &before,
	}
	report, err := r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Restored)
	assert.Equal(t, "durable", report.Source)
	assert.Equal(t, []string{"bob"}, usernames(t, store))
	assert.Nil(t, r.Active)

	// The second run reads the file itself and finds nothing newer.
	report, err = r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Restored)
}

func TestSnapshot_SameInstantKeepsBoth(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "pos.db")
	makeStore(t, active, "alice")
	store, err := database.Open(active, false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.Local)
	s := &Snapshotter{Store: store, Dir: filepath.Join(dir, "backups"), Now: func() time.Time { return at }}

	first, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	second, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.FileExists(t, first)
	assert.FileExists(t, second)
	kept, err := s.List()
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}
