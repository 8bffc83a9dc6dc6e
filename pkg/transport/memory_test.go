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

package transport_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/transport"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

var _ = Describe("Memory", func() {
	var (
		tr  *transport.Memory
		ctx context.Context
	)

	BeforeEach(func() {
		tr = transport.NewMemory()
		ctx = context.Background()
	})

	Describe("Query", func() {
		It("should delegate to the handler", func() {
			tr.QueryFunc = func(_ context.Context, operation string, input interface{}, fields []string) (document.Document, error) {
				Expect(operation).To(Equal("getUser"))
				Expect(input).To(Equal("u-1"))

				return document.Document{"id": "u-1"}, nil
			}

			data, err := tr.Query(ctx, "getUser", "u-1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(HaveKeyWithValue("id", "u-1"))
		})

		It("should fail without a handler", func() {
			_, err := tr.Query(ctx, "getUser", "u-1", nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Mutate", func() {
		It("should delegate to the handler", func() {
			tr.MutateFunc = func(_ context.Context, operation string, input interface{}) (document.Document, error) {
				return document.Document{"id": "u-1", "ok": true}, nil
			}

			data, err := tr.Mutate(ctx, "updateUser", document.Document{"id": "u-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(HaveKeyWithValue("ok", true))
		})

		It("should fail without a handler", func() {
			_, err := tr.Mutate(ctx, "updateUser", nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Subscribe", func() {
		It("should deliver pushed data by operation", func() {
			var got document.Document

			_, err := tr.Subscribe(ctx, "getUser", "u-1", []string{"name"}, transport.Handlers{
				OnData: func(data document.Document) { got = data },
			})
			Expect(err).NotTo(HaveOccurred())

			tr.PushData("getUser", document.Document{"id": "u-1", "name": "Ann"})
			Expect(got).To(HaveKeyWithValue("name", "Ann"))
		})

		It("should not deliver to other operations", func() {
			delivered := false

			_, err := tr.Subscribe(ctx, "getUser", "u-1", nil, transport.Handlers{
				OnData: func(document.Document) { delivered = true },
			})
			Expect(err).NotTo(HaveOccurred())

			tr.PushData("getPost", document.Document{"id": "p-1"})
			Expect(delivered).To(BeFalse())
		})

		It("should deliver pushed updates", func() {
			var gotType, gotID string

			var gotUpdate update.Update

			_, err := tr.Subscribe(ctx, "getUser", "u-1", nil, transport.Handlers{
				OnUpdate: func(entityType, entityID string, u update.Update) {
					gotType, gotID, gotUpdate = entityType, entityID, u
				},
			})
			Expect(err).NotTo(HaveOccurred())

			tr.PushUpdate("getUser", "User", "u-1", update.Set("name", "Bea"))

			Expect(gotType).To(Equal("User"))
			Expect(gotID).To(Equal("u-1"))
			Expect(gotUpdate.Op).To(Equal(update.KindSet))
		})

		It("should deliver pushed errors", func() {
			var got error

			_, err := tr.Subscribe(ctx, "getUser", "u-1", nil, transport.Handlers{
				OnError: func(err error) { got = err },
			})
			Expect(err).NotTo(HaveOccurred())

			tr.PushError("getUser", errors.New("boom"))
			Expect(got).To(MatchError("boom"))
		})

		It("should drop the subscription on completion", func() {
			completed := false

			_, err := tr.Subscribe(ctx, "getUser", "u-1", nil, transport.Handlers{
				OnData:     func(document.Document) {},
				OnComplete: func() { completed = true },
			})
			Expect(err).NotTo(HaveOccurred())

			tr.PushComplete("getUser")

			Expect(completed).To(BeTrue())
			Expect(tr.ActiveSubscriptions()).To(BeZero())
		})

		It("should stop delivering after unsubscribe", func() {
			delivered := false

			sub, err := tr.Subscribe(ctx, "getUser", "u-1", nil, transport.Handlers{
				OnData: func(document.Document) { delivered = true },
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(sub.Unsubscribe()).To(Succeed())
			tr.PushData("getUser", document.Document{"id": "u-1"})

			Expect(delivered).To(BeFalse())
			Expect(tr.ActiveSubscriptions()).To(BeZero())
		})

		It("should track field updates", func() {
			sub, err := tr.Subscribe(ctx, "getUser", "u-1", []string{"name", "email"}, transport.Handlers{
				OnData: func(document.Document) {},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(sub.UpdateFields([]string{"bio"}, []string{"email"})).To(Succeed())

			fields := tr.SubscribedFields("getUser")
			Expect(fields).To(HaveLen(1))
			Expect(fields[0]).To(ConsistOf("name", "bio"))
		})
	})
})
