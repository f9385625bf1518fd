// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package events carries lifecycle events from the master supervisor to
// in-process consumers over a Watermill gochannel Pub/Sub. The worker table
// stays exclusively owned by the master; everything downstream (metrics,
// operator tooling) observes it through messages.
package events

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
)

// TopicLifecycle is the topic all supervisor lifecycle events publish to.
const TopicLifecycle = "lifecycle"

// Kind enumerates lifecycle event kinds.
type Kind string

const (
	KindMasterStart      Kind = "master-start"
	KindWorkerSpawn      Kind = "worker-spawn"
	KindWorkerReady      Kind = "worker-ready"
	KindWorkerCrash      Kind = "worker-crash"
	KindRespawnThrottled Kind = "worker-respawn-throttled"
	KindReloadBegin      Kind = "reload-begin"
	KindReloadComplete   Kind = "reload-complete"
	KindShutdownBegin    Kind = "shutdown-begin"
	KindShutdownComplete Kind = "shutdown-complete"
)

// Event is a single lifecycle event.
type Event struct {
	Kind       Kind      `json:"kind"`
	WorkerID   int       `json:"worker_id,omitempty"`
	Generation int       `json:"generation,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Bus is an in-process lifecycle event bus.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates a new lifecycle event bus. The buffer bounds how many
// unconsumed events are held before publishing blocks; lifecycle traffic is
// light, so a small buffer suffices. The bus is persistent: consumers start
// concurrently with the master under the supervision tree, and events
// published before they subscribe must not be lost.
func NewBus(buffer int64, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buffer,
			Persistent:          true,
		}, logger),
	}
}

// Publish emits a lifecycle event. A zero At is stamped with the current
// time. Publishing to a closed bus returns an error.
func (b *Bus) Publish(evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(TopicLifecycle, msg)
}

// Subscribe returns a channel of lifecycle events. The subscription ends
// when ctx is cancelled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicLifecycle)
}

// Close shuts the bus down. Pending subscribers see their channels closed.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Decode unmarshals a lifecycle event from a Watermill message.
func Decode(msg *message.Message) (Event, error) {
	var evt Event
	err := json.Unmarshal(msg.Payload, &evt)
	return evt, err
}
