// Copyright 2025 UMH Systems GmbH
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

package transport

import (
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

// MessageType discriminates frames on the websocket wire.
type MessageType string

const (
	// Client → server.
	MessageQuery        MessageType = "query"
	MessageMutation     MessageType = "mutation"
	MessageSubscribe    MessageType = "subscribe"
	MessageUnsubscribe  MessageType = "unsubscribe"
	MessageUpdateFields MessageType = "updateFields"

	// Server → client.
	MessageResult   MessageType = "result"
	MessageData     MessageType = "data"
	MessageUpdate   MessageType = "update"
	MessageError    MessageType = "error"
	MessageComplete MessageType = "complete"
)

// clientMessage is a client → server frame. ID correlates replies for
// queries and mutations and addresses a live subscription for the
// subscription lifecycle messages.
type clientMessage struct {
	Input        interface{} `json:"input,omitempty"`
	Type         MessageType `json:"type"`
	ID           string      `json:"id"`
	Operation    string      `json:"operation,omitempty"`
	Fields       []string    `json:"fields,omitempty"`
	AddFields    []string    `json:"addFields,omitempty"`
	RemoveFields []string    `json:"removeFields,omitempty"`
}

// serverMessage is a server → client frame.
type serverMessage struct {
	Type       MessageType       `json:"type"`
	ID         string            `json:"id"`
	EntityType string            `json:"entityType,omitempty"`
	EntityID   string            `json:"entityId,omitempty"`
	Error      string            `json:"error,omitempty"`
	Data       document.Document `json:"data,omitempty"`
	Update     *update.Update    `json:"update,omitempty"`
}
