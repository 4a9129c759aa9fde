// Package events carries the informational events emitted by escrow
// contracts. Sinks are fire-and-forget: contracts never read events back.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const (
	TopicContributed      = "contributed"
	TopicReferral         = "referral"
	TopicPledged          = "pledged"
	TopicPledgesCollected = "pledges_collected"
	TopicWithdrawn        = "withdrawn"
	TopicFeeTransferred   = "fee_transferred"
	TopicRefunded         = "refunded"
	TopicCancelled        = "cancelled"
	TopicRoadmapItemAdded = "roadmap_item_added"
	TopicMetadataUpdated  = "metadata_updated"
	TopicWhitelistUpdated = "whitelist_updated"
	TopicNFTMinted        = "nft_minted"
	TopicBatchCreated     = "batch_campaigns_created"
)

// Event is one emitted fact about a contract.
type Event struct {
	ID       uuid.UUID        `json:"id"`
	Contract solana.PublicKey `json:"contract"`
	Topic    string           `json:"topic"`
	// Ledger is the ledger time (unix seconds) of the emitting invocation.
	Ledger uint64         `json:"ledger"`
	Data   map[string]any `json:"data"`
}

// New stamps a fresh event id.
func New(contract solana.PublicKey, topic string, ledger uint64, data map[string]any) Event {
	return Event{ID: uuid.New(), Contract: contract, Topic: topic, Ledger: ledger, Data: data}
}

type Sink interface {
	Publish(ctx context.Context, evs ...Event)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) {}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, evs ...Event) {
	for _, ev := range evs {
		attrs := make([]any, 0, 6+2*len(ev.Data))
		attrs = append(attrs, "contract", ev.Contract.String(), "topic", ev.Topic, "ledger", ev.Ledger)
		for k, v := range ev.Data {
			attrs = append(attrs, k, v)
		}
		s.Logger.InfoContext(ctx, "events: published", attrs...)
	}
}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evs ...Event) {
	for _, s := range m {
		s.Publish(ctx, evs...)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Topics returns recorded topics in publish order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Topic
	}
	return out
}

// ByTopic returns recorded events with the given topic.
func (r *Recorder) ByTopic(topic string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
