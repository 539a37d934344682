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

package models

import (
	"errors"
	"fmt"
	"time"
)

// LogStatus is the delivery state of one communication.
type LogStatus string

const (
	LogSent      LogStatus = "sent"
	LogDelivered LogStatus = "delivered"
	LogFailed    LogStatus = "failed"
	LogOpened    LogStatus = "opened"
	LogClicked   LogStatus = "clicked"
)

// Terminal reports whether a receipt with this status ends the delivery
// attempt. Only terminal statuses count toward campaign completion.
func (s LogStatus) Terminal() bool {
	return s == LogDelivered || s == LogFailed
}

// Channel is the medium a communication was sent over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// CommunicationLog records one attempted message from a campaign to a
// customer. Its ID doubles as the messageId on delivery receipts.
type CommunicationLog struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customerId"`
	CampaignID  string     `json:"campaignId"`
	Channel     Channel    `json:"type"`
	Message     string     `json:"message"`
	Status      LogStatus  `json:"status"`
	SentAt      time.Time  `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ErrInvalidReceipt is returned for delivery receipts that cannot be applied.
var ErrInvalidReceipt = errors.New("invalid delivery receipt")

// DeliveryUpdate is a parsed delivery receipt waiting in the batcher buffer.
type DeliveryUpdate struct {
	MessageID   string    `json:"messageId"`
	Status      LogStatus `json:"status"`
	DeliveredAt time.Time `json:"deliveredAt"`
	Error       string    `json:"error,omitempty"`
}

// Validate checks that the receipt names a message and a terminal status.
func (u DeliveryUpdate) Validate() error {
	if u.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalidReceipt)
	}
	if !u.Status.Terminal() {
		return fmt.Errorf("%w: status %q", ErrInvalidReceipt, u.Status)
	}
	return nil
}

// Fields flattens the receipt into deliveryReceipts stream fields.
func (u DeliveryUpdate) Fields() map[string]any {
	fields := map[string]any{
		"messageId":   u.MessageID,
		"status":      string(u.Status),
		"deliveredAt": u.DeliveredAt.UTC().Format(time.RFC3339Nano),
	}
	if u.Error != "" {
		fields["error"] = u.Error
	}
	return fields
}

// ParseDeliveryUpdate rebuilds a receipt from deliveryReceipts stream
// fields. A missing deliveredAt defaults to now.
func ParseDeliveryUpdate(fields map[string]string) (DeliveryUpdate, error) {
	u := DeliveryUpdate{
		MessageID: fields["messageId"],
		Status:    LogStatus(fields["status"]),
		Error:     fields["error"],
	}
	if err := u.Validate(); err != nil {
		return DeliveryUpdate{}, err
	}

	if v := fields["deliveredAt"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return DeliveryUpdate{}, fmt.Errorf("%w: deliveredAt %q", ErrInvalidReceipt, v)
		}
		u.DeliveredAt = t
	} else {
		u.DeliveredAt = time.Now().UTC()
	}
	return u, nil
}

// StreamMessage is one entry read from a stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}
