package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPNotifier delivers canonization notifications to the semantic
// indexing collaborator. Delivery is fire-and-forget and at-least-once:
// failures are logged and retried a bounded number of times, then
// dropped. The indexer owns its own eventual-consistency recovery; the
// engine never waits on it and never unwinds canonization because
// indexing failed.
type HTTPNotifier struct {
	url        string
	retries    int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPNotifier(url string, retries int, logger *zap.Logger) *HTTPNotifier {
	if retries <= 0 {
		retries = 3
	}
	return &HTTPNotifier{
		url:        url,
		retries:    retries,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type canonizedEvent struct {
	ChronicleID uuid.UUID   `json:"chronicle_id"`
	ScopeID     uuid.UUID   `json:"scope_id"`
	ItemIDs     []uuid.UUID `json:"canonical_item_ids"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// NotifyCanonized sends the event in the background and returns
// immediately.
func (n *HTTPNotifier) NotifyCanonized(chronicleID, scopeID uuid.UUID, itemIDs []uuid.UUID) {
	if n.url == "" || len(itemIDs) == 0 {
		return
	}
	event := canonizedEvent{
		ChronicleID: chronicleID,
		ScopeID:     scopeID,
		ItemIDs:     itemIDs,
		OccurredAt:  time.Now().UTC(),
	}
	go n.deliver(event)
}

func (n *HTTPNotifier) deliver(event canonizedEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("marshal canonized event", zap.Error(err))
		return
	}

	for attempt := 1; attempt <= n.retries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * 500 * time.Millisecond)
		}
		if n.post(body) {
			return
		}
	}
	n.logger.Warn("indexer notification dropped after retries",
		zap.String("scope_id", event.ScopeID.String()),
		zap.Int("items", len(event.ItemIDs)),
		zap.Int("attempts", n.retries),
	)
}

func (n *HTTPNotifier) post(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("create indexer request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Debug("indexer notification attempt failed", zap.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
