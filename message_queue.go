// message_queue.go: routed messages and the tiered priority queue
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"strings"
	"time"
)

// MessageType classifies a routed message.
type MessageType int

const (
	MessageControl MessageType = iota
	MessageHeartbeat
	MessageRequest
	MessageResponse
	MessageBroadcast
	MessageHostFunction
	MessageSearch
)

func (t MessageType) String() string {
	switch t {
	case MessageControl:
		return "control"
	case MessageHeartbeat:
		return "heartbeat"
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	case MessageBroadcast:
		return "broadcast"
	case MessageHostFunction:
		return "host_function"
	case MessageSearch:
		return "search"
	default:
		return "unknown"
	}
}

func (t MessageType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// MessagePriority orders service tiers. Lower values are serviced first.
type MessagePriority int

const (
	PriorityCritical MessagePriority = iota
	PriorityHigh
	PriorityNormal
	PriorityBulk

	priorityTiers = 4
)

func (p MessagePriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

func (p MessagePriority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParseMessagePriority maps a name to a priority, defaulting to normal.
func ParseMessagePriority(s string) MessagePriority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "bulk", "low":
		return PriorityBulk
	default:
		return PriorityNormal
	}
}

// ControlOp is the operation carried by a control message.
type ControlOp string

const (
	ControlUnregister  ControlOp = "unregister"
	ControlSubscribe   ControlOp = "subscribe"
	ControlUnsubscribe ControlOp = "unsubscribe"
)

// Message is one unit routed by the service bridge.
//
// To names a plugin for point-to-point delivery; an empty To with a Topic
// is a broadcast. Responses carry the CorrelationID of their request.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Priority      MessagePriority `json:"priority"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Control       ControlOp       `json:"control,omitempty"`
	Payload       Value           `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	Requester     RequesterHandle `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}

// defaultPriority assigns a tier when the sender did not choose one.
func defaultPriority(t MessageType) MessagePriority {
	switch t {
	case MessageControl:
		return PriorityCritical
	case MessageHeartbeat, MessageResponse:
		return PriorityHigh
	case MessageBroadcast:
		return PriorityBulk
	default:
		return PriorityNormal
	}
}

// messageQueue holds one FIFO per priority tier with a shared capacity.
// It is not safe for concurrent use; the service bridge guards it.
type messageQueue struct {
	tiers    [priorityTiers][]Message
	heads    [priorityTiers]int
	size     int
	capacity int
}

func newMessageQueue(capacity int) *messageQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &messageQueue{capacity: capacity}
}

// push appends msg to its tier. Critical messages are always accepted so
// control traffic cannot be starved by a full queue.
func (q *messageQueue) push(msg Message) bool {
	tier := msg.Priority
	if tier < PriorityCritical || tier >= priorityTiers {
		tier = PriorityNormal
		msg.Priority = tier
	}
	if q.size >= q.capacity && tier != PriorityCritical {
		return false
	}
	q.tiers[tier] = append(q.tiers[tier], msg)
	q.size++
	return true
}

// pop removes the oldest message of the highest non-empty tier.
func (q *messageQueue) pop() (Message, bool) {
	for tier := 0; tier < priorityTiers; tier++ {
		head := q.heads[tier]
		if head >= len(q.tiers[tier]) {
			continue
		}
		msg := q.tiers[tier][head]
		q.tiers[tier][head] = Message{}
		q.heads[tier]++
		if q.heads[tier] == len(q.tiers[tier]) {
			q.tiers[tier] = q.tiers[tier][:0]
			q.heads[tier] = 0
		}
		q.size--
		return msg, true
	}
	return Message{}, false
}

func (q *messageQueue) len() int { return q.size }

// tierLen returns the number of queued messages in one tier.
func (q *messageQueue) tierLen(p MessagePriority) int {
	return len(q.tiers[p]) - q.heads[p]
}
