// Package ingest turns remittance batches read from the broker into
// idempotent ProcessRemittance calls.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/domain/remittance"
	"github.com/drfirst/go-rcm/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/pkg/idempotency"
)

// HandlerName identifies remittance processing in the inbox
const HandlerName = "remittance"

// RemittanceProcessor posts one remittance batch
type RemittanceProcessor interface {
	ProcessRemittance(ctx context.Context, in remittance.Input) (*remittance.Advice, error)
}

// Publisher sends rejected messages to the dead letter topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Rejected is the dead letter record for a batch that can never be processed
type Rejected struct {
	Topic      string          `json:"original_topic"`
	Partition  int32           `json:"partition"`
	Offset     int64           `json:"offset"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	RejectedAt time.Time       `json:"rejected_at"`
}

// processed is what the inbox remembers for a finished batch
type processed struct {
	RemittanceID string            `json:"remittance_id"`
	Status       remittance.Status `json:"status"`
}

// RemittanceHandler validates inbound batches and processes each at most
// once per payer and payment reference
type RemittanceHandler struct {
	svc        RemittanceProcessor
	inbox      *idempotency.Inbox
	validate   *validator.Validate
	deadLetter Publisher
	logger     *zap.Logger
}

// NewRemittanceHandler creates a handler. deadLetter may be nil, in which
// case rejected batches are logged and dropped.
func NewRemittanceHandler(svc RemittanceProcessor, inbox *idempotency.Inbox, deadLetter Publisher, logger *zap.Logger) *RemittanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemittanceHandler{
		svc:        svc,
		inbox:      inbox,
		validate:   validator.New(),
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// Handle satisfies redpanda.MessageHandler. A returned error leaves the
// record uncommitted so it is redelivered.
func (h *RemittanceHandler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	in, err := h.decode(msg.Value)
	if err != nil {
		return h.reject(ctx, msg, err)
	}

	key := idempotency.Key(in.BatchKey())
	res, err := h.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		advice, err := h.svc.ProcessRemittance(ctx, in)
		if err != nil {
			if errors.Is(err, reference.ErrPayerNotFound) || errors.Is(err, remittance.ErrInvalidInput) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(processed{RemittanceID: advice.ID, Status: advice.Status})
	})

	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.logger.Info("remittance batch already handled",
			zap.String("batch", in.BatchKey()),
			zap.Error(err))
		return nil
	case idempotency.IsTerminal(err):
		return h.reject(ctx, msg, err)
	default:
		return err
	}

	if res.Duplicate {
		h.logger.Info("duplicate remittance batch skipped", zap.String("batch", in.BatchKey()))
		return nil
	}
	h.logger.Info("remittance batch processed",
		zap.String("batch", in.BatchKey()),
		zap.Bool("recovered", res.WasRecovered),
		zap.ByteString("result", res.Result))
	return nil
}

func (h *RemittanceHandler) decode(value []byte) (remittance.Input, error) {
	var in remittance.Input
	if err := json.Unmarshal(value, &in); err != nil {
		return in, fmt.Errorf("%w: %v", remittance.ErrInvalidInput, err)
	}
	if err := h.validate.Struct(in); err != nil {
		return in, fmt.Errorf("%w: %v", remittance.ErrInvalidInput, err)
	}
	if in.EFTTrace == "" && in.CheckNumber == "" {
		return in, fmt.Errorf("%w: eft_trace or check_number is required", remittance.ErrInvalidInput)
	}
	return in, nil
}

func (h *RemittanceHandler) reject(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	h.logger.Warn("remittance batch rejected",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	if h.deadLetter == nil {
		return nil
	}

	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		quoted, _ := json.Marshal(string(msg.Value))
		payload = quoted
	}
	body, err := json.Marshal(Rejected{
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		Reason:     cause.Error(),
		Payload:    payload,
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return h.deadLetter.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), body)
}
