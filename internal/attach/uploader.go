package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/outbox"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultUploadBackoffBase = 5 * time.Second
	defaultUploadBackoffCap  = 15 * time.Minute
	defaultUploadMaxAttempts = 8
)

// UploaderConfig wires the attachment uploader.
type UploaderConfig struct {
	Manager     *Manager
	BaseURL     string
	HTTPClient  *http.Client
	Token       func(ctx context.Context) (string, error)
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	Random      func() float64
	Logger      *zap.Logger
}

// Uploader transfers pending blobs with PUT-by-hash semantics. The endpoint
// is idempotent: a 409 means the content already arrived on an earlier,
// possibly abandoned, attempt and counts as success.
type Uploader struct {
	manager     *Manager
	baseURL     string
	httpClient  *http.Client
	token       func(ctx context.Context) (string, error)
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
	random      func() float64
	logger      *zap.Logger
}

// NewUploader validates the configuration and returns an Uploader.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Manager == nil {
		return nil, errors.New("attachment manager is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultUploadBackoffBase
	}
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = defaultUploadBackoffCap
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultUploadMaxAttempts
	}
	random := cfg.Random
	if random == nil {
		random = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		manager:     cfg.Manager,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  httpClient,
		token:       cfg.Token,
		backoffBase: base,
		backoffCap:  cap,
		maxAttempts: maxAttempts,
		random:      random,
		logger:      logger,
	}, nil
}

// RunCycle uploads every pending attachment whose backoff window has passed.
func (u *Uploader) RunCycle(ctx context.Context) error {
	now := u.manager.store.Now().UTC().Unix()

	var pending []record.Attachment
	if err := u.manager.store.DB().WithContext(ctx).
		Where("upload_state = ? AND next_eligible_at_s <= ?", string(record.UploadStatePending), now).
		Order("created_at_s ASC").
		Find(&pending).Error; err != nil {
		return fmt.Errorf("attach: pending query failed: %w", err)
	}

	for _, attachment := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.uploadOne(ctx, attachment); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) uploadOne(ctx context.Context, attachment record.Attachment) error {
	data, err := u.manager.ReadContent(attachment)
	if err != nil {
		// A missing blob file cannot succeed on retry.
		return u.markFailed(ctx, attachment.ContentHash, err.Error())
	}

	status, sendErr := u.put(ctx, attachment.ContentHash, data)
	switch {
	case sendErr != nil:
		if errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
			return sendErr
		}
		return u.recordFailure(ctx, attachment, sendErr.Error())
	case status == http.StatusOK, status == http.StatusCreated,
		status == http.StatusNoContent, status == http.StatusConflict:
		// 409 = already present; content addressing makes the re-send a no-op.
		return u.markUploaded(ctx, attachment.ContentHash)
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return u.recordFailure(ctx, attachment, fmt.Sprintf("remote returned %d", status))
	default:
		return u.markFailed(ctx, attachment.ContentHash, fmt.Sprintf("remote rejected upload with %d", status))
	}
}

func (u *Uploader) put(ctx context.Context, contentHash string, data []byte) (int, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPut,
		u.baseURL+"/sync/attachments/"+contentHash, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	httpRequest.Header.Set("Content-Type", "application/octet-stream")
	if u.token != nil {
		token, err := u.token(ctx)
		if err != nil {
			return 0, fmt.Errorf("attach: token: %w", err)
		}
		httpRequest.Header.Set("Authorization", "Bearer "+token)
	}

	httpResponse, err := u.httpClient.Do(httpRequest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("attach: transport: %w", err)
	}
	defer httpResponse.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResponse.Body, 512)) //nolint:errcheck
	return httpResponse.StatusCode, nil
}

func (u *Uploader) markUploaded(ctx context.Context, contentHash string) error {
	return u.manager.store.Write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&record.Attachment{}).
			Where("content_hash = ?", contentHash).
			Updates(map[string]interface{}{
				"upload_state": string(record.UploadStateUploaded),
				"last_error":   "",
			}).Error
	})
}

func (u *Uploader) markFailed(ctx context.Context, contentHash, cause string) error {
	u.logger.Warn("attachment upload failed permanently",
		zap.String("content_hash", contentHash),
		zap.String("cause", cause))
	return u.manager.store.Write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&record.Attachment{}).
			Where("content_hash = ?", contentHash).
			Updates(map[string]interface{}{
				"upload_state": string(record.UploadStateFailed),
				"last_error":   cause,
			}).Error
	})
}

func (u *Uploader) recordFailure(ctx context.Context, attachment record.Attachment, cause string) error {
	attempts := attachment.Attempts + 1
	if attempts >= u.maxAttempts {
		return u.markFailed(ctx, attachment.ContentHash, cause)
	}
	delay := outbox.RetryDelay(u.backoffBase, u.backoffCap, attempts, u.random)
	nextEligible := u.manager.store.Now().UTC().Add(delay).Unix()
	return u.manager.store.Write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&record.Attachment{}).
			Where("content_hash = ?", attachment.ContentHash).
			Updates(map[string]interface{}{
				"attempts":           attempts,
				"last_error":         cause,
				"next_eligible_at_s": nextEligible,
			}).Error
	})
}
