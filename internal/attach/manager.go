package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingStore = errors.New("store is required")
	errMissingDir   = errors.New("attachment directory is required")

	// ErrEmptyAttachment indicates an attachment with no content.
	ErrEmptyAttachment = errors.New("attach: empty attachment")
	// ErrAttachmentNotFound indicates an unknown content hash.
	ErrAttachmentNotFound = errors.New("attach: attachment not found")
)

// ManagerConfig wires the attachment manager.
type ManagerConfig struct {
	Store  *store.Store
	Dir    string
	Logger *zap.Logger
}

// Manager stores binary payloads (photos, signatures) content-addressed on
// disk and indexes them next to their owning record. Blobs synchronize
// independently of structured data through the Uploader.
type Manager struct {
	store  *store.Store
	dir    string
	logger *zap.Logger
}

// NewManager validates the configuration and prepares the blob directory.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errMissingDir
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("attach: create directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: cfg.Store, dir: cfg.Dir, logger: logger}, nil
}

// Add persists the blob under its content hash and records the index entry in
// the same transaction discipline as every other local write. Adding content
// that is already indexed returns the stored entry unchanged.
func (m *Manager) Add(ctx context.Context, ownerType record.EntityType, ownerID record.EntityID, data []byte) (record.Attachment, error) {
	if len(data) == 0 {
		return record.Attachment{}, ErrEmptyAttachment
	}
	if _, err := record.NewEntityType(ownerType.String()); err != nil {
		return record.Attachment{}, err
	}
	if _, err := record.NewEntityID(ownerID.String()); err != nil {
		return record.Attachment{}, err
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])
	localPath := filepath.Join(m.dir, contentHash)

	if _, err := os.Stat(localPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(localPath, data, 0o600); err != nil {
			return record.Attachment{}, fmt.Errorf("attach: write blob: %w", err)
		}
	} else if err != nil {
		return record.Attachment{}, fmt.Errorf("attach: stat blob: %w", err)
	}

	var stored record.Attachment
	err := m.store.Write(ctx, func(tx *gorm.DB) error {
		err := tx.Where("content_hash = ?", contentHash).Take(&stored).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		stored = record.Attachment{
			ContentHash:      contentHash,
			OwnerType:        ownerType.String(),
			OwnerID:          ownerID.String(),
			LocalPath:        localPath,
			SizeBytes:        int64(len(data)),
			UploadState:      string(record.UploadStatePending),
			CreatedAtSeconds: m.store.Now().UTC().Unix(),
		}
		return tx.Create(&stored).Error
	})
	if err != nil {
		return record.Attachment{}, fmt.Errorf("attach: index blob: %w", err)
	}
	return stored, nil
}

// Get returns the index entry for a content hash.
func (m *Manager) Get(ctx context.Context, contentHash string) (record.Attachment, error) {
	var stored record.Attachment
	err := m.store.DB().WithContext(ctx).
		Where("content_hash = ?", contentHash).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record.Attachment{}, ErrAttachmentNotFound
	}
	if err != nil {
		return record.Attachment{}, err
	}
	return stored, nil
}

// ForOwner lists attachments referenced by one record.
func (m *Manager) ForOwner(ctx context.Context, ownerType record.EntityType, ownerID record.EntityID) ([]record.Attachment, error) {
	var rows []record.Attachment
	if err := m.store.DB().WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", ownerType.String(), ownerID.String()).
		Order("created_at_s ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadContent loads the blob bytes for upload.
func (m *Manager) ReadContent(attachment record.Attachment) ([]byte, error) {
	data, err := os.ReadFile(attachment.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("attach: read blob %s: %w", attachment.ContentHash, err)
	}
	return data, nil
}
