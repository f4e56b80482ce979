// Copyright 2025 Morgridge Institute for Research
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

// Package events distributes authentication outcomes over a watermill
// publisher, so that accounting or monitoring can follow link logins
// without being wired into the daemon.
package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bbockelm/linkauth/auth"
)

// DefaultTopic carries auth.Result payloads
const DefaultTopic = "linkauth.auth.result"

// Metadata keys set on every message
const (
	MetaSessionID = "session_id"
	MetaOutcome   = "outcome"
)

// Publisher implements auth.ResultPublisher using watermill
type Publisher struct {
	publisher message.Publisher
	topic     string
}

// NewPublisher creates a publisher sending to DefaultTopic
func NewPublisher(publisher message.Publisher) *Publisher {
	return &Publisher{publisher: publisher, topic: DefaultTopic}
}

// WithTopic returns a copy of p sending to topic
func (p *Publisher) WithTopic(topic string) *Publisher {
	cp := *p
	cp.topic = topic
	return &cp
}

// Topic returns the topic results are sent to
func (p *Publisher) Topic() string {
	return p.topic
}

// PublishResult publishes result as JSON
func (p *Publisher) PublishResult(ctx context.Context, result auth.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetaSessionID, result.SessionID)
	if result.Success {
		msg.Metadata.Set(MetaOutcome, "success")
	} else {
		msg.Metadata.Set(MetaOutcome, "failure")
	}

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return errors.Wrap(err, "failed to publish result")
	}
	return nil
}

// Close closes the underlying publisher
func (p *Publisher) Close() error {
	return p.publisher.Close()
}

// Decode extracts the result carried by msg
func Decode(msg *message.Message) (auth.Result, error) {
	var result auth.Result
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return auth.Result{}, errors.Wrapf(err, "decode message %s", msg.UUID)
	}
	return result, nil
}

var _ auth.ResultPublisher = (*Publisher)(nil)
