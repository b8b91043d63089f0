package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/outbox"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"go.uber.org/zap"
)

const defaultBatchSize = 50

var (
	errMissingQueue   = errors.New("outbox queue is required")
	errMissingBaseURL = errors.New("remote base url is required")
)

// Config wires the push client.
type Config struct {
	Queue      *outbox.Queue
	BaseURL    string
	HTTPClient *http.Client
	// Token supplies the bearer credential attached to each request.
	Token     func(ctx context.Context) (string, error)
	BatchSize int
	Logger    *zap.Logger
}

// Client drains the outbox in dependency-safe order and transmits batches to
// the remote authority. Each mutation's own identifier doubles as the
// idempotency key, so a retried send after a dropped acknowledgement cannot
// double-apply server-side.
type Client struct {
	queue      *outbox.Queue
	baseURL    string
	httpClient *http.Client
	token      func(ctx context.Context) (string, error)
	batchSize  int
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a push Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		queue:      cfg.Queue,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		token:      cfg.Token,
		batchSize:  batchSize,
		logger:     logger,
	}, nil
}

type wireMutation struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ClientSeq      int64           `json:"clientSeq"`
}

type pushRequest struct {
	Mutations []wireMutation `json:"mutations"`
}

type wireResult struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Status         string `json:"status"`
	ServerRevision int64  `json:"serverRevision,omitempty"`
	Error          string `json:"error,omitempty"`
}

type pushResponse struct {
	Results []wireResult `json:"results"`
}

const (
	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultConflict = "conflict"
)

// RunCycle drains eligible mutations until the outbox yields an empty batch.
// A batch partially fails without blocking unrelated entities: every entry is
// acked, rejected, conflict-paused, or nacked on its own result.
func (c *Client) RunCycle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := c.queue.NextBatch(ctx, c.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		response, sendErr := c.send(ctx, batch)
		if sendErr != nil {
			if errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
				// Abandoned in flight: mutations stay Pending untouched; the
				// idempotency key keeps a late-arriving response harmless.
				return sendErr
			}
			c.logger.Warn("push batch failed", zap.Int("batch_size", len(batch)), zap.Error(sendErr))
			for _, mutation := range batch {
				if err := c.queue.Nack(ctx, mutation.MutationID, sendErr.Error()); err != nil {
					return err
				}
			}
			return sendErr
		}

		resultsByKey := make(map[string]wireResult, len(response.Results))
		for _, result := range response.Results {
			resultsByKey[result.IdempotencyKey] = result
		}

		for _, mutation := range batch {
			result, ok := resultsByKey[mutation.MutationID]
			if !ok {
				if err := c.queue.Nack(ctx, mutation.MutationID, "no result for mutation in push response"); err != nil {
					return err
				}
				continue
			}
			switch result.Status {
			case resultAccepted:
				if err := c.queue.Ack(ctx, mutation.MutationID, result.ServerRevision); err != nil {
					return err
				}
			case resultRejected:
				c.logger.Warn("mutation rejected by remote",
					zap.String("mutation_id", mutation.MutationID),
					zap.String("entity_type", mutation.EntityType),
					zap.String("error", result.Error))
				if err := c.queue.Reject(ctx, mutation.MutationID, result.Error); err != nil {
					return err
				}
			case resultConflict:
				if err := c.queue.PauseForConflict(ctx, mutation.MutationID, result.ServerRevision); err != nil {
					return err
				}
			default:
				if err := c.queue.Nack(ctx, mutation.MutationID,
					fmt.Sprintf("unknown push result status %q", result.Status)); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Client) send(ctx context.Context, batch []record.Mutation) (pushResponse, error) {
	request := pushRequest{Mutations: make([]wireMutation, 0, len(batch))}
	for _, mutation := range batch {
		var payload json.RawMessage
		if mutation.PayloadJSON != "" {
			payload = json.RawMessage(mutation.PayloadJSON)
		}
		request.Mutations = append(request.Mutations, wireMutation{
			IdempotencyKey: mutation.MutationID,
			EntityType:     mutation.EntityType,
			EntityID:       mutation.EntityID,
			Operation:      mutation.Operation,
			Payload:        payload,
			ClientSeq:      mutation.LocalSeq,
		})
	}

	body, err := json.Marshal(request)
	if err != nil {
		return pushResponse{}, fmt.Errorf("push: encode request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/mutations", bytes.NewReader(body))
	if err != nil {
		return pushResponse{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return pushResponse{}, fmt.Errorf("push: token: %w", err)
		}
		httpRequest.Header.Set("Authorization", "Bearer "+token)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pushResponse{}, ctxErr
		}
		return pushResponse{}, fmt.Errorf("push: transport: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 512))
		return pushResponse{}, fmt.Errorf("push: remote returned %d: %s", httpResponse.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var response pushResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return pushResponse{}, fmt.Errorf("push: decode response: %w", err)
	}
	return response, nil
}
