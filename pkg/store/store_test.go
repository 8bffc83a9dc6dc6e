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

package store_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/livequery/pkg/config"
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/store"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

func newStore() *store.Store {
	return store.New(config.DefaultConfig(), nil)
}

var _ = Describe("GetEntity", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
	})

	It("should return the same cell for the same key", func() {
		a := s.GetEntity("User", "u-1")
		b := s.GetEntity("User", "u-1")
		Expect(a).To(BeIdenticalTo(b))
	})

	It("should return distinct cells for distinct keys", func() {
		a := s.GetEntity("User", "u-1")
		b := s.GetEntity("User", "u-2")
		Expect(a).NotTo(BeIdenticalTo(b))
	})

	It("should start empty", func() {
		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Data).To(BeNil())
		Expect(state.Loading).To(BeFalse())
		Expect(state.Err).NotTo(HaveOccurred())
	})
})

var _ = Describe("SetEntity", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
	})

	It("should store the data and stamp cachedAt", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann"))
		Expect(state.CachedAt).NotTo(BeZero())
	})

	It("should clear loading, error, and stale", func() {
		s.SetEntityLoading("User", "u-1", true)
		s.SetEntityError("User", "u-1", errors.New("boom"))
		s.InvalidateEntity("User", "u-1")

		s.SetEntity("User", "u-1", document.Document{"id": "u-1"})

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Loading).To(BeFalse())
		Expect(state.Err).NotTo(HaveOccurred())
		Expect(state.Stale).To(BeFalse())
	})

	It("should notify cell subscribers", func() {
		var seen document.Document

		s.GetEntity("User", "u-1").Subscribe(func(st store.EntityState) {
			seen = st.Data
		})

		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})
		Expect(seen).To(HaveKeyWithValue("name", "Ann"))
	})

	It("should not notify subscribers for an unchanged refresh", func() {
		data := document.Document{"id": "u-1", "name": "Ann"}
		s.SetEntity("User", "u-1", data)

		count := 0
		s.GetEntity("User", "u-1").Subscribe(func(store.EntityState) { count++ })

		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})
		Expect(count).To(BeZero())
	})

	It("should copy the data so later caller mutations do not leak in", func() {
		data := document.Document{"id": "u-1", "name": "Ann"}
		s.SetEntity("User", "u-1", data)

		data["name"] = "mutated"

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann"))
	})
})

var _ = Describe("ApplyServerUpdate", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})
	})

	It("should patch the cached data", func() {
		err := s.ApplyServerUpdate("User", "u-1", update.Set("name", "Bea"))
		Expect(err).NotTo(HaveOccurred())

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Data).To(HaveKeyWithValue("name", "Bea"))
	})

	It("should no-op when the entity is unknown", func() {
		err := s.ApplyServerUpdate("User", "missing", update.Set("name", "x"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should no-op when the entity has no data", func() {
		s.GetEntity("User", "u-2")

		err := s.ApplyServerUpdate("User", "u-2", update.Set("name", "x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.GetEntity("User", "u-2").Get().Data).To(BeNil())
	})

	It("should keep prior data intact when the patch fails", func() {
		err := s.ApplyServerUpdate("User", "u-1", update.Push("name", "x"))
		Expect(err).To(HaveOccurred())

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann"))
		Expect(state.Err).To(HaveOccurred())
	})
})

var _ = Describe("loading and error transitions", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})
	})

	It("should keep data while loading", func() {
		s.SetEntityLoading("User", "u-1", true)

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Loading).To(BeTrue())
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann"))
	})

	It("should keep data on error", func() {
		s.SetEntityError("User", "u-1", errors.New("boom"))

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Err).To(MatchError("boom"))
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann"))
	})

	It("should clear loading when an error arrives", func() {
		s.SetEntityLoading("User", "u-1", true)
		s.SetEntityError("User", "u-1", errors.New("boom"))

		Expect(s.GetEntity("User", "u-1").Get().Loading).To(BeFalse())
	})
})

var _ = Describe("Retain and Release", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
		s.SetEntity("User", "u-1", document.Document{"id": "u-1"})
	})

	It("should count retains", func() {
		s.Retain("User", "u-1")
		s.Retain("User", "u-1")

		Expect(s.GetEntity("User", "u-1").Get().RefCount).To(Equal(2))
	})

	It("should mark stale on release to zero without deleting", func() {
		s.Retain("User", "u-1")
		s.Release("User", "u-1")

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.RefCount).To(BeZero())
		Expect(state.Stale).To(BeTrue())
		Expect(state.Data).NotTo(BeNil())
	})

	It("should not go below zero", func() {
		s.Release("User", "u-1")
		s.Release("User", "u-1")

		Expect(s.GetEntity("User", "u-1").Get().RefCount).To(BeZero())
	})

	It("should no-op releasing an unknown entity", func() {
		s.Release("User", "missing")
		Expect(s.Stats().Entities).To(Equal(1))
	})

	It("should not lose retains under contention", func() {
		const workers, perWorker = 8, 500

		var wg sync.WaitGroup

		for i := 0; i < workers; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for j := 0; j < perWorker; j++ {
					s.Retain("User", "u-1")
				}
			}()
		}

		wg.Wait()

		Expect(s.GetEntity("User", "u-1").Get().RefCount).To(Equal(workers * perWorker))
	})

	It("should keep the refcount across concurrent refreshes", func() {
		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()

			for i := 0; i < 500; i++ {
				s.Retain("User", "u-1")
			}
		}()

		go func() {
			defer wg.Done()

			for i := 0; i < 500; i++ {
				s.SetEntity("User", "u-1", document.Document{"id": "u-1", "rev": i})
			}
		}()

		wg.Wait()

		Expect(s.GetEntity("User", "u-1").Get().RefCount).To(Equal(500))
	})
})

var _ = Describe("GC", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
	})

	It("should evict unreferenced stale entities", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1"})
		s.Retain("User", "u-1")
		s.Release("User", "u-1")

		Expect(s.GC()).To(Equal(1))
		Expect(s.Stats().Entities).To(BeZero())
	})

	It("should keep referenced stale entities", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1"})
		s.Retain("User", "u-1")
		s.InvalidateEntity("User", "u-1")

		Expect(s.GC()).To(BeZero())
		Expect(s.Stats().Entities).To(Equal(1))
	})

	It("should keep fresh unreferenced entities", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1"})

		Expect(s.GC()).To(BeZero())
	})

	It("should evict unreferenced stale lists", func() {
		s.SetList("listUsers:null", []document.Document{{"id": "u-1"}})
		s.InvalidateList("listUsers:null")

		Expect(s.GC()).To(Equal(1))
		Expect(s.Stats().Lists).To(BeZero())
	})
})

var _ = Describe("GetStaleWhileRevalidate", func() {
	var (
		s   *store.Store
		ctx context.Context
	)

	BeforeEach(func() {
		s = newStore()
		ctx = context.Background()
	})

	It("should return nil data and nil channel when nothing is cached", func() {
		data, revalidating := s.GetStaleWhileRevalidate(ctx, "User", "u-1",
			func(context.Context) (document.Document, error) {
				Fail("revalidate must not run without cached data")

				return nil, nil
			})

		Expect(data).To(BeNil())
		Expect(revalidating).To(BeNil())
	})

	It("should return fresh data without revalidating", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})

		data, revalidating := s.GetStaleWhileRevalidate(ctx, "User", "u-1",
			func(context.Context) (document.Document, error) {
				Fail("revalidate must not run for fresh data")

				return nil, nil
			})

		Expect(data).To(HaveKeyWithValue("name", "Ann"))
		Expect(revalidating).To(BeNil())
	})

	It("should return a copy the caller may mutate freely", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})

		data, _ := s.GetStaleWhileRevalidate(ctx, "User", "u-1",
			func(context.Context) (document.Document, error) {
				return nil, nil
			})
		data["name"] = "mutated"

		Expect(s.GetEntity("User", "u-1").Get().Data).To(HaveKeyWithValue("name", "Ann"))
	})

	It("should return stale data immediately and refresh in the background", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})
		s.InvalidateEntity("User", "u-1")

		data, revalidating := s.GetStaleWhileRevalidate(ctx, "User", "u-1",
			func(context.Context) (document.Document, error) {
				return document.Document{"id": "u-1", "name": "Ann v2"}, nil
			})

		Expect(data).To(HaveKeyWithValue("name", "Ann"))
		Expect(revalidating).NotTo(BeNil())
		Eventually(revalidating).Should(Receive(BeNil()))

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann v2"))
		Expect(state.Stale).To(BeFalse())
	})

	It("should surface a failed revalidation as the entity error", func() {
		s.SetEntity("User", "u-1", document.Document{"id": "u-1", "name": "Ann"})
		s.InvalidateEntity("User", "u-1")

		_, revalidating := s.GetStaleWhileRevalidate(ctx, "User", "u-1",
			func(context.Context) (document.Document, error) {
				return nil, errors.New("offline")
			})

		Eventually(revalidating).Should(Receive(MatchError("offline")))

		state := s.GetEntity("User", "u-1").Get()
		Expect(state.Err).To(MatchError("offline"))
		Expect(state.Data).To(HaveKeyWithValue("name", "Ann"))
	})
})

var _ = Describe("lists", func() {
	var s *store.Store

	BeforeEach(func() {
		s = newStore()
	})

	It("should return the same cell for the same key", func() {
		a := s.GetList("listUsers:null")
		b := s.GetList("listUsers:null")
		Expect(a).To(BeIdenticalTo(b))
	})

	It("should store list data", func() {
		s.SetList("listUsers:null", []document.Document{{"id": "u-1"}, {"id": "u-2"}})

		state := s.GetList("listUsers:null").Get()
		Expect(state.Data).To(HaveLen(2))
		Expect(state.Stale).To(BeFalse())
	})

	It("should keep list data on error", func() {
		s.SetList("listUsers:null", []document.Document{{"id": "u-1"}})
		s.SetListError("listUsers:null", errors.New("boom"))

		state := s.GetList("listUsers:null").Get()
		Expect(state.Err).To(MatchError("boom"))
		Expect(state.Data).To(HaveLen(1))
	})
})

var _ = Describe("Stats", func() {
	It("should count entities, lists, and pending optimistic entries", func() {
		s := newStore()
		s.SetEntity("User", "u-1", document.Document{"id": "u-1"})
		s.SetList("listUsers:null", nil)

		_, err := s.ApplyOptimistic("User", store.OptimisticUpdate, document.Document{
			"id": "u-1", "name": "x",
		})
		Expect(err).NotTo(HaveOccurred())

		stats := s.Stats()
		Expect(stats.Entities).To(Equal(1))
		Expect(stats.Lists).To(Equal(1))
		Expect(stats.PendingOptimistic).To(Equal(1))
	})
})
