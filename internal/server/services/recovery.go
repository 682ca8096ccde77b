package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/cryptox"
	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server/auth"
	"github.com/wpfleet/mailvault/internal/server/config"
	"github.com/wpfleet/mailvault/internal/server/metrics"
	"github.com/wpfleet/mailvault/internal/server/models"
	"github.com/wpfleet/mailvault/internal/server/objectstore"
	"github.com/wpfleet/mailvault/internal/server/repositories/repomanager"
	"github.com/wpfleet/mailvault/internal/timex"
	"golang.org/x/crypto/bcrypt"
)

// ExportIDSize is the number of random bytes in an export id; the id itself
// is their hex encoding.
const ExportIDSize = 32

// Recovery audit actions.
const (
	ActionExport       = "export"
	ActionExportDenied = "export_denied"
	ActionImport       = "import"
	ActionImportDenied = "import_denied"
	ActionDownload     = "download"
)

// restoredEmailNamespace scopes the ids of emails written by an import.
var restoredEmailNamespace = uuid.MustParse("8a0c6e52-3f1d-4b9a-a7c4-5e2d91b0f6a3")

// compareHashAndPassword is a seam for tests.
var compareHashAndPassword = bcrypt.CompareHashAndPassword

// unknownUserHash is compared against when the exporting account does not
// exist, so both rejections cost one bcrypt comparison.
var unknownUserHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("mailvault unknown account"), bcrypt.DefaultCost)
	return h
})

// restoredEmailID derives the id of the email at index in exportID's bundle
// once restored into targetUserID's archive. Importing the same package again maps every email
// onto the row it already produced.
func restoredEmailID(exportID, targetUserID string, index int) string {
	name := exportID + "|" + targetUserID + "|" + strconv.Itoa(index)
	return uuid.NewSHA1(restoredEmailNamespace, []byte(name)).String()
}

type ExportResult struct {
	ExportID   string
	ExpiresAt  time.Time
	EmailCount int
	// Skipped counts archived records left out because they failed to decrypt.
	Skipped int
}

type ImportResult struct {
	ImportedCount int
	TotalCount    int
	TargetUserID  string
	// AlreadyImported counts bundled emails an earlier import of the same
	// package into the same account had restored.
	AlreadyImported int
	// Failed counts bundled emails that could not be restored.
	Failed int
	// Consumed is true only for the call that marked the package downloaded.
	Consumed bool
}

// bundleEnvelope decodes a bundle while keeping every email raw, so a single
// malformed entry can be skipped without rejecting the whole package.
type bundleEnvelope struct {
	UserID      string            `json:"userId"`
	UserEmail   string            `json:"userEmail"`
	ExportDate  time.Time         `json:"exportDate"`
	TotalEmails int               `json:"totalEmails"`
	Emails      []json.RawMessage `json:"emails"`
}

// RecoveryService produces and consumes password-protected recovery
// packages.
type RecoveryService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *KeyService
	archive     *ArchiveService
	store       objectstore.Store
	clock       timex.Clock
	logger      logging.Logger

	packageTTL      time.Duration
	maxExportEmails int
	storeTimeout    time.Duration
	tokenSecret     []byte
	tokenTTL        time.Duration
}

// NewRecoveryService wires the service. store may be nil, in which case no
// off-site copies are kept.
func NewRecoveryService(db *sql.DB, m repomanager.RepositoryManager, keys *KeyService, archive *ArchiveService,
	store objectstore.Store, cfg *config.Config, clock timex.Clock, logger logging.Logger) *RecoveryService {
	return &RecoveryService{
		db:              db,
		repomanager:     m,
		keys:            keys,
		archive:         archive,
		store:           store,
		clock:           clock,
		logger:          logger.With("module", "recovery"),
		packageTTL:      cfg.PackageTTL,
		maxExportEmails: cfg.MaxExportEmails,
		storeTimeout:    cfg.StoreTimeout,
		tokenSecret:     []byte(cfg.DownloadTokenSecret),
		tokenTTL:        cfg.DownloadTokenTTL,
	}
}

// Export bundles userID's active emails into a package sealed with a key
// derived from password. A wrong password yields common.ErrAuthentication
// before any email is read.
func (s *RecoveryService) Export(ctx context.Context, userID, password string) (res *ExportResult, err error) {
	defer func() {
		metrics.RecoveryExportsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	if userID == "" || password == "" {
		return nil, fmt.Errorf("%w: user id and password are required", common.ErrValidation)
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			_ = compareHashAndPassword(unknownUserHash(), []byte(password))
			return nil, common.ErrAuthentication
		}
		return nil, err
	}
	if compareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		s.audit(ctx, userID, ActionExportDenied, "")
		return nil, common.ErrAuthentication
	}

	listed, err := s.archive.listDecrypted(ctx, userID, nil, s.maxExportEmails, "export")
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	bundle := models.RecoveryBundle{
		UserID:      user.ID,
		UserEmail:   user.Email,
		ExportDate:  now,
		TotalEmails: len(listed.Emails),
		Emails:      make([]models.BundledEmail, 0, len(listed.Emails)),
	}
	for _, e := range listed.Emails {
		bundle.Emails = append(bundle.Emails, models.BundledEmail{Context: e.Context, CreatedAt: e.CreatedAt, Email: *e.Email})
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	defer common.WipeByteArray(plaintext)

	key, err := s.keys.RecoveryKey(password, user.Email)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	sealed, err := cryptox.Seal(plaintext, key)
	if err != nil {
		return nil, err
	}

	exportID, err := common.MakeRandHexString(ExportIDSize)
	if err != nil {
		return nil, fmt.Errorf("%w: export id: %v", common.ErrInternal, err)
	}

	pkg := &models.RecoveryPackage{
		ExportID:    exportID,
		OwnerUserID: userID,
		Ciphertext:  sealed.Ciphertext,
		Nonce:       sealed.Nonce,
		AuthTag:     sealed.AuthTag,
		EmailCount:  bundle.TotalEmails,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.packageTTL),
	}
	err = dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.repomanager.Packages(s.db).Create(ctx, pkg)
	})
	if err != nil {
		return nil, fmt.Errorf("store package: %w", err)
	}

	s.uploadOffsite(ctx, pkg)
	s.audit(ctx, userID, ActionExport, fmt.Sprintf("export_id=%s emails=%d skipped=%d", exportID, bundle.TotalEmails, listed.Skipped))
	s.logger.Info(ctx, "recovery package created", "user_id", userID, "export_id", exportID, "emails", bundle.TotalEmails, "skipped", listed.Skipped)

	return &ExportResult{
		ExportID:   exportID,
		ExpiresAt:  pkg.ExpiresAt,
		EmailCount: bundle.TotalEmails,
		Skipped:    listed.Skipped,
	}, nil
}

// Import opens the stored package exportID with password and restores its
// emails into targetUserID, or into the package owner when targetUserID is
// empty. Restored emails are tagged models.ContextRecovered.
func (s *RecoveryService) Import(ctx context.Context, exportID, password, targetUserID string) (res *ImportResult, err error) {
	defer func() {
		metrics.RecoveryImportsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	if exportID == "" || password == "" {
		return nil, fmt.Errorf("%w: export id and password are required", common.ErrValidation)
	}

	pkg, err := s.activePackage(ctx, exportID)
	if err != nil {
		return nil, err
	}

	sealed := &cryptox.Sealed{Ciphertext: pkg.Ciphertext, Nonce: pkg.Nonce, AuthTag: pkg.AuthTag}
	return s.importSealed(ctx, pkg, sealed, password, targetUserID)
}

// ImportFile is Import for a downloaded package file. The ciphertext comes
// from the file; the stored package supplies owner and expiry.
func (s *RecoveryService) ImportFile(ctx context.Context, file []byte, password, targetUserID string) (res *ImportResult, err error) {
	defer func() {
		metrics.RecoveryImportsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	if password == "" {
		return nil, fmt.Errorf("%w: password is required", common.ErrValidation)
	}

	f, err := ParsePackageFile(file)
	if err != nil {
		return nil, err
	}
	sealed, err := f.Sealed()
	if err != nil {
		return nil, err
	}

	pkg, err := s.activePackage(ctx, f.ExportID)
	if err != nil {
		return nil, err
	}
	return s.importSealed(ctx, pkg, sealed, password, targetUserID)
}

func (s *RecoveryService) importSealed(ctx context.Context, pkg *models.RecoveryPackage, sealed *cryptox.Sealed, password, targetUserID string) (*ImportResult, error) {
	owner, err := s.getUser(ctx, pkg.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("package owner: %w", err)
	}

	key, err := s.keys.RecoveryKey(password, owner.Email)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	plaintext, err := cryptox.Open(sealed, key)
	if err != nil {
		s.audit(ctx, targetUserID, ActionImportDenied, "export_id="+pkg.ExportID)
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	var bundle bundleEnvelope
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("%w: bundle is not valid JSON", common.ErrFormat)
	}
	if bundle.UserID != pkg.OwnerUserID {
		return nil, fmt.Errorf("%w: bundle belongs to another account", common.ErrFormat)
	}

	if targetUserID == "" {
		targetUserID = pkg.OwnerUserID
	} else if _, err := s.getUser(ctx, targetUserID); err != nil {
		return nil, fmt.Errorf("target account: %w", err)
	}

	targetKey, err := s.keys.StorageKey(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(targetKey)

	res := &ImportResult{TotalCount: len(bundle.Emails), TargetUserID: targetUserID}
	for i, raw := range bundle.Emails {
		var entry models.BundledEmail
		if err := json.Unmarshal(raw, &entry); err != nil {
			res.Failed++
			s.logger.Warn(ctx, "skipping malformed bundled email", "export_id", pkg.ExportID, "index", i)
			continue
		}
		id := restoredEmailID(pkg.ExportID, targetUserID, i)
		inserted, err := s.archive.insertSealed(ctx, id, targetUserID, &entry.Email, models.ContextRecovered, targetKey)
		if err != nil {
			res.Failed++
			s.logger.Warn(ctx, "failed to restore bundled email", "export_id", pkg.ExportID, "index", i, "error", err)
			continue
		}
		if !inserted {
			res.AlreadyImported++
			continue
		}
		res.ImportedCount++
	}
	metrics.RecoveredEmailsTotal.Add(float64(res.ImportedCount))

	err = dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		res.Consumed, err = s.repomanager.Packages(s.db).MarkDownloaded(ctx, pkg.ExportID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark package downloaded: %w", err)
	}

	s.audit(ctx, targetUserID, ActionImport, fmt.Sprintf("export_id=%s imported=%d total=%d", pkg.ExportID, res.ImportedCount, res.TotalCount))
	s.logger.Info(ctx, "recovery package imported", "export_id", pkg.ExportID, "target_user_id", targetUserID,
		"imported", res.ImportedCount, "total", res.TotalCount, "already_imported", res.AlreadyImported, "failed", res.Failed, "consumed", res.Consumed)

	return res, nil
}

// Download returns userID's package as a file and marks it downloaded.
func (s *RecoveryService) Download(ctx context.Context, exportID, userID string) (*PackageFile, error) {
	pkg, err := s.ownedPackage(ctx, exportID, userID)
	if err != nil {
		return nil, err
	}

	err = dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		_, err := s.repomanager.Packages(s.db).MarkDownloaded(ctx, exportID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark package downloaded: %w", err)
	}

	s.audit(ctx, userID, ActionDownload, "export_id="+exportID)
	return NewPackageFile(pkg), nil
}

// IssueDownloadToken returns a signed token that lets the bearer download
// userID's package. It never outlives the package.
func (s *RecoveryService) IssueDownloadToken(ctx context.Context, exportID, userID string) (string, error) {
	pkg, err := s.ownedPackage(ctx, exportID, userID)
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	ttl := s.tokenTTL
	if left := pkg.ExpiresAt.Sub(now); left < ttl {
		ttl = left
	}
	return auth.GenerateToken(exportID, userID, s.tokenSecret, ttl, now)
}

// DownloadWithToken verifies token and performs Download on its behalf.
func (s *RecoveryService) DownloadWithToken(ctx context.Context, token string) (*PackageFile, error) {
	claims, err := auth.ParseToken(token, s.tokenSecret, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.Download(ctx, claims.ExportID, claims.UserID)
}

// PresignedDownloadURL returns a short-lived URL of the off-site copy.
func (s *RecoveryService) PresignedDownloadURL(ctx context.Context, exportID, userID string) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("%w: off-site copies are disabled", common.ErrValidation)
	}

	pkg, err := s.ownedPackage(ctx, exportID, userID)
	if err != nil {
		return "", err
	}
	return s.store.PresignGet(ctx, objectstore.PackageKey(exportID, pkg.CreatedAt))
}

func (s *RecoveryService) getUser(ctx context.Context, userID string) (*models.User, error) {
	var user *models.User
	err := dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		user, err = s.repomanager.Users(s.db).GetByID(ctx, userID)
		return err
	})
	return user, err
}

// activePackage loads exportID and rejects it once expired.
func (s *RecoveryService) activePackage(ctx context.Context, exportID string) (*models.RecoveryPackage, error) {
	var pkg *models.RecoveryPackage
	err := dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		pkg, err = s.repomanager.Packages(s.db).Get(ctx, exportID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pkg.Expired(s.clock.Now()) {
		return nil, common.ErrExpired
	}
	return pkg, nil
}

// ownedPackage is activePackage restricted to userID. Packages of other
// users are reported as not found.
func (s *RecoveryService) ownedPackage(ctx context.Context, exportID, userID string) (*models.RecoveryPackage, error) {
	if exportID == "" || userID == "" {
		return nil, fmt.Errorf("%w: export id and user id are required", common.ErrValidation)
	}

	pkg, err := s.activePackage(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if pkg.OwnerUserID != userID {
		return nil, common.ErrNotFound
	}
	return pkg, nil
}

func (s *RecoveryService) uploadOffsite(ctx context.Context, pkg *models.RecoveryPackage) {
	if s.store == nil {
		return
	}

	body, err := NewPackageFile(pkg).Marshal()
	if err == nil {
		err = s.store.Put(ctx, objectstore.PackageKey(pkg.ExportID, pkg.CreatedAt), body)
	}
	if err != nil {
		s.logger.Warn(ctx, "off-site copy failed", "export_id", pkg.ExportID, "error", err)
	}
}

// audit records a recovery operation. Failures are logged and never
// returned.
func (s *RecoveryService) audit(ctx context.Context, userID, action, detail string) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      models.AuditKindRecovery,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}

	err := dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.repomanager.AuditLogs(s.db).Insert(ctx, entry)
	})
	if err != nil {
		s.logger.Warn(ctx, "audit log write failed", "action", action, "error", err)
	}
}
