package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/cryptox"
	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server/config"
	"github.com/wpfleet/mailvault/internal/server/models"
	"github.com/wpfleet/mailvault/internal/server/objectstore"
	"github.com/wpfleet/mailvault/internal/server/repositories/auditlogs"
	"github.com/wpfleet/mailvault/internal/server/repositories/emails"
	"github.com/wpfleet/mailvault/internal/server/repositories/packages"
	"github.com/wpfleet/mailvault/internal/server/repositories/userkeys"
	"github.com/wpfleet/mailvault/internal/server/repositories/users"
	"github.com/wpfleet/mailvault/internal/timex"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

// --- fake repositories ---

type fakeUsersRepo struct {
	byID map[string]*models.User
	err  error
}

func (f *fakeUsersRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsersRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, common.ErrNotFound
}

type fakeUserKeysRepo struct {
	mu    sync.Mutex
	salts map[string][]byte
	// errs are returned, one per call, before normal behaviour resumes.
	errs []error
	calls int
}

func (f *fakeUserKeysRepo) GetOrCreate(ctx context.Context, userID string, salt []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if existing, ok := f.salts[userID]; ok {
		return existing, nil
	}
	f.salts[userID] = salt
	return salt, nil
}

func (f *fakeUserKeysRepo) Get(ctx context.Context, userID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.salts[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return s, nil
}

type fakeEmailsRepo struct {
	mu        sync.Mutex
	rows      []*models.EncryptedEmail
	insertErr error
	// insertErrs are consumed one per Insert call; a nil entry lets that
	// call through.
	insertErrs []error
	listErr   error
	purgeErr  error
}

func (f *fakeEmailsRepo) Insert(ctx context.Context, e *models.EncryptedEmail) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return false, err
		}
	}
	for _, r := range f.rows {
		if r.ID == e.ID {
			return false, nil
		}
	}
	cp := *e
	f.rows = append(f.rows, &cp)
	return true, nil
}

func (f *fakeEmailsRepo) ListByOwner(ctx context.Context, ownerID string, emailContext *models.EmailContext, limit int, now time.Time) ([]*models.EncryptedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.EncryptedEmail
	for _, r := range f.rows {
		if r.OwnerUserID != ownerID || !r.ExpiresAt.After(now) {
			continue
		}
		if emailContext != nil && r.Context != *emailContext {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeEmailsRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	kept := f.rows[:0]
	var n int64
	for _, r := range f.rows {
		if !r.ExpiresAt.After(now) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return n, nil
}

func (f *fakeEmailsRepo) countByContext(userID string, emailContext models.EmailContext) int {
	n := 0
	for _, r := range f.owned(userID) {
		if r.Context == emailContext {
			n++
		}
	}
	return n
}

func (f *fakeEmailsRepo) owned(userID string) []*models.EncryptedEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EncryptedEmail
	for _, r := range f.rows {
		if r.OwnerUserID == userID {
			out = append(out, r)
		}
	}
	return out
}

type fakePackagesRepo struct {
	mu        sync.Mutex
	pkgs      map[string]*models.RecoveryPackage
	createErr error
	markErr   error
	purgeErr  error
	deleteErr error
}

func (f *fakePackagesRepo) Create(ctx context.Context, p *models.RecoveryPackage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *p
	f.pkgs[p.ExportID] = &cp
	return nil
}

func (f *fakePackagesRepo) Get(ctx context.Context, exportID string) (*models.RecoveryPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pkgs[exportID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePackagesRepo) MarkDownloaded(ctx context.Context, exportID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return false, f.markErr
	}
	p, ok := f.pkgs[exportID]
	if !ok || p.Downloaded {
		return false, nil
	}
	p.Downloaded = true
	return true, nil
}

func (f *fakePackagesRepo) PurgeExpired(ctx context.Context, now time.Time) ([]packages.Purged, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return nil, f.purgeErr
	}
	var out []packages.Purged
	for id, p := range f.pkgs {
		if p.ExpiresAt.Before(now) {
			out = append(out, packages.Purged{ExportID: id, CreatedAt: p.CreatedAt})
			delete(f.pkgs, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExportID < out[j].ExportID })
	return out, nil
}

func (f *fakePackagesRepo) ListExpired(ctx context.Context, now time.Time) ([]packages.Purged, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return nil, f.purgeErr
	}
	var out []packages.Purged
	for id, p := range f.pkgs {
		if p.ExpiresAt.Before(now) {
			out = append(out, packages.Purged{ExportID: id, CreatedAt: p.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExportID < out[j].ExportID })
	return out, nil
}

func (f *fakePackagesRepo) DeleteExpired(ctx context.Context, exportID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	p, ok := f.pkgs[exportID]
	if !ok || !p.ExpiresAt.Before(now) {
		return false, nil
	}
	delete(f.pkgs, exportID)
	return true, nil
}

type purgeCall struct {
	kind   string
	cutoff time.Time
}

type fakeAuditLogsRepo struct {
	mu        sync.Mutex
	rows      []*models.AuditLog
	insertErr error
	purgeErrs map[string]error
	purges    []purgeCall
}

func (f *fakeAuditLogsRepo) Insert(ctx context.Context, l *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.rows = append(f.rows, l)
	return nil
}

func (f *fakeAuditLogsRepo) PurgeOlderThan(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, purgeCall{kind: kind, cutoff: cutoff})
	if err := f.purgeErrs[kind]; err != nil {
		return 0, err
	}
	kept := f.rows[:0]
	var n int64
	for _, r := range f.rows {
		if r.Kind == kind && r.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return n, nil
}

func (f *fakeAuditLogsRepo) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.rows {
		out = append(out, r.Action)
	}
	return out
}

type fakeRepoManager struct {
	users     *fakeUsersRepo
	userKeys  *fakeUserKeysRepo
	emails    *fakeEmailsRepo
	packages  *fakePackagesRepo
	auditLogs *fakeAuditLogsRepo

	compactErr   error
	compactCalls int
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		users:     &fakeUsersRepo{byID: map[string]*models.User{}},
		userKeys:  &fakeUserKeysRepo{salts: map[string][]byte{}},
		emails:    &fakeEmailsRepo{},
		packages:  &fakePackagesRepo{pkgs: map[string]*models.RecoveryPackage{}},
		auditLogs: &fakeAuditLogsRepo{},
	}
}

func (m *fakeRepoManager) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }

func (m *fakeRepoManager) Compact(ctx context.Context, db dbx.DBTX) error {
	m.compactCalls++
	return m.compactErr
}

func (m *fakeRepoManager) Users(dbx.DBTX) users.Repository         { return m.users }
func (m *fakeRepoManager) UserKeys(dbx.DBTX) userkeys.Repository   { return m.userKeys }
func (m *fakeRepoManager) Emails(dbx.DBTX) emails.Repository       { return m.emails }
func (m *fakeRepoManager) Packages(dbx.DBTX) packages.Repository   { return m.packages }
func (m *fakeRepoManager) AuditLogs(dbx.DBTX) auditlogs.Repository { return m.auditLogs }

// --- fake object store ---

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putErr    error
	deleteErr error
}

var _ objectstore.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (f *fakeStore) Put(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = body
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) PresignGet(ctx context.Context, key string) (string, error) {
	return "https://objects.example/" + key + "?sig=1", nil
}

// --- environment ---

var baseTime = time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	db       *sql.DB
	rm       *fakeRepoManager
	clock    *timex.FixedClock
	cfg      *config.Config
	store    *fakeStore
	keys     *KeyService
	archive  *ArchiveService
	recovery *RecoveryService
	sweeper  *RetentionService
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MasterSecret = "master-secret"
	cfg.StorageSalt = "storage-salt"
	cfg.RecoverySalt = "recovery-salt"
	cfg.StoreTimeout = time.Second
	cfg.DownloadTokenSecret = "token-secret"
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := testConfig()
	deriver, err := cryptox.NewKeyDeriver(cfg.Secrets())
	require.NoError(t, err)

	env := &testEnv{
		db:    db,
		rm:    newFakeRepoManager(),
		clock: &timex.FixedClock{T: baseTime},
		cfg:   cfg,
		store: newFakeStore(),
	}
	logger := logging.Discard()
	env.keys = NewKeyService(db, env.rm, deriver, cfg.StoreTimeout)
	env.archive = NewArchiveService(db, env.rm, env.keys, cfg, env.clock, logger)
	env.recovery = NewRecoveryService(db, env.rm, env.keys, env.archive, env.store, cfg, env.clock, logger)
	env.sweeper = NewRetentionService(db, env.rm, env.store, cfg, env.clock, logger)
	return env
}

func (e *testEnv) addUser(t *testing.T, id, email, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{ID: id, Email: email, PasswordHash: hash, CreatedAt: baseTime}
	e.rm.users.byID[id] = u
	return u
}

func sampleEmail(subject string) *models.PlainEmail {
	return &models.PlainEmail{
		To:          []string{"owner@example.com"},
		From:        "alerts@wpfleet.example",
		Subject:     subject,
		Body:        "body of " + subject,
		Attachments: []models.Attachment{},
		Headers:     map[string]string{"X-Site": "blog.example"},
		Timestamp:   baseTime,
		MessageID:   "<" + subject + "@wpfleet.example>",
	}
}

// archive stores n emails for userID, advancing the clock between them so
// their order is well defined.
func (e *testEnv) archiveEmails(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.archive.StoreEncryptedEmail(context.Background(), userID, sampleEmail(string(rune('a'+i))), models.ContextNotification)
		require.NoError(t, err)
		e.clock.Advance(time.Minute)
	}
}
