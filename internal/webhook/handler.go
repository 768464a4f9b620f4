// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook handles inbound provider deliveries. Messaging providers
// POST a delivery containing one or more message or status events; each
// event runs through the ingestion pipeline under a bounded concurrency
// limit. The response status tells the provider whether to redeliver:
// 200 for success or permanent rejection of a malformed event, 500 when
// any event failed retryably.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/convocrm/ingestion/internal/identity"
	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/pipeline"
)

// eventItem is a single provider-level item inside a delivery.
type eventItem struct {
	EventUID  string  `json:"event_uid"`
	MessageID string  `json:"message_id"`
	RemoteID  string  `json:"remote_id"`
	Direction string  `json:"direction"` // "inbound" or "outbound"
	Type      string  `json:"type"`
	Text      *string `json:"text,omitempty"`
	Status    *string `json:"status,omitempty"`
	MediaURL  *string `json:"media_url,omitempty"`
	ReplyTo   *string `json:"reply_to,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`

	From struct {
		Phone       string `json:"phone"`
		Name        string `json:"name"`
		Lid         string `json:"lid"`
		AvatarURL   string `json:"avatar_url"`
		Participant string `json:"participant"`
	} `json:"from"`
}

// deliveryPayload is the wrapper providers send.
type deliveryPayload struct {
	PhoneNumberID string      `json:"phone_number_id"`
	Events        []eventItem `json:"events"`
}

// Processor runs one event through ingestion. Implemented by
// pipeline.Pipeline; narrowed for tests.
type Processor interface {
	ProcessInbound(ctx context.Context, event models.InboundMessageEvent) error
}

// Handler processes provider webhook requests.
type Handler struct {
	processor Processor
	sem       chan struct{} // bounds in-flight event processing
}

// NewHandler creates a webhook handler processing at most maxInFlight
// events concurrently.
func NewHandler(processor Processor, maxInFlight int) *Handler {
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	return &Handler{
		processor: processor,
		sem:       make(chan struct{}, maxInFlight),
	}
}

// ServeDelivery handles a provider delivery.
//
// Validation flow: when registering the webhook URL, providers probe it
// with ?validationToken=<token> and expect the token echoed back.
//
// Delivery flow: events are processed with bounded concurrency; a slow
// event delays only itself. The response aggregates per-event outcomes so
// the provider's redelivery covers exactly the retryable failures (the
// ledger makes redelivered successes no-ops).
func (h *Handler) ServeDelivery(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("webhook validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read delivery body", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var payload deliveryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("delivery body not valid JSON, rejecting", "body_len", len(body))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if payload.PhoneNumberID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	provider := providerFromPath(r.URL.Path)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		retryable bool
		rejected  int
	)
	for _, item := range payload.Events {
		event := toEvent(provider, payload.PhoneNumberID, item, body)

		wg.Add(1)
		h.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-h.sem }()

			err := h.processor.ProcessInbound(r.Context(), event)
			if err == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if pipeline.IsRetryable(err) {
				retryable = true
				slog.Error("event processing failed, provider will redeliver",
					"event_uid", event.EventUID,
					"error", err,
				)
			} else {
				rejected++
				slog.Warn("event rejected",
					"event_uid", event.EventUID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()

	if retryable {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if len(payload.Events) > 0 && rejected == len(payload.Events) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// providerFromPath extracts the provider segment from /webhook/{provider}.
func providerFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "webhook" && parts[1] != "" {
		return parts[1]
	}
	return "whatsapp"
}

// toEvent maps a provider item onto the pipeline's event shape.
func toEvent(provider, phoneNumberID string, item eventItem, raw []byte) models.InboundMessageEvent {
	eventUID := item.EventUID
	if eventUID == "" {
		// Status items often omit a delivery uid; derive a stable one so
		// the ledger still dedups redeliveries of the same transition.
		eventUID = item.MessageID
		if item.Status != nil {
			eventUID = fmt.Sprintf("%s:%s", item.MessageID, *item.Status)
		}
	}

	event := models.InboundMessageEvent{
		Provider:            provider,
		PhoneNumberID:       phoneNumberID,
		EventUID:            eventUID,
		ExternalID:          item.MessageID,
		RemoteID:            item.RemoteID,
		ParticipantRemoteID: item.From.Participant,
		Phone:               item.From.Phone,
		PushName:            item.From.Name,
		Lid:                 item.From.Lid,
		AvatarURL:           item.From.AvatarURL,
		IsFromCustomer:      item.Direction != "outbound",
		Content:             item.Text,
		Type:                item.Type,
		ViewStatus:          item.Status,
		MediaURL:            item.MediaURL,
		ReplyTo:             item.ReplyTo,
		Raw:                 json.RawMessage(raw),
	}

	// Group senders may arrive with no direct phone; derive it from the
	// participant id when it embeds one (e.g. "5511999990000@c.us").
	if event.Phone == "" && item.From.Participant != "" {
		if i := strings.IndexByte(item.From.Participant, '@'); i > 0 {
			event.Phone = identity.NormalizePhone(item.From.Participant[:i])
		}
	}

	if item.Timestamp > 0 {
		t := time.Unix(item.Timestamp, 0).UTC()
		event.SentAt = &t
	}
	return event
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", handler.ServeDelivery)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
