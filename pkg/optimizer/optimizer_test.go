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

package optimizer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/livequery/pkg/config"
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/optimizer"
)

// countingFetch records every fetch and serves from a fixed entity.
type countingFetch struct {
	mu     sync.Mutex
	calls  []optimizer.Request
	entity document.Document
	err    error
}

func (f *countingFetch) fetch(_ context.Context, req optimizer.Request) (document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)

	if f.err != nil {
		return nil, f.err
	}

	if len(req.Fields) == 0 {
		return document.Clone(f.entity), nil
	}

	out := document.Document{"id": f.entity["id"]}

	for _, field := range req.Fields {
		if v, ok := f.entity[field]; ok {
			out[field] = v
		}
	}

	return out, nil
}

func (f *countingFetch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *countingFetch) lastFields() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[len(f.calls)-1].Fields
}

var _ = Describe("Optimizer", func() {
	var (
		o     *optimizer.Optimizer
		fetch *countingFetch
		ctx   context.Context
	)

	queryReq := func(fields ...string) optimizer.Request {
		return optimizer.Request{
			Kind:       optimizer.KindQuery,
			Operation:  "getUser",
			Input:      "u-1",
			Fields:     fields,
			EntityType: "User",
			EntityID:   "u-1",
		}
	}

	BeforeEach(func() {
		o = optimizer.New(config.DefaultConfig(), nil)
		fetch = &countingFetch{
			entity: document.Document{
				"id":    "u-1",
				"name":  "Ann",
				"email": "ann@example.com",
				"bio":   "hello",
			},
		}
		ctx = context.Background()
	})

	Describe("full miss", func() {
		It("should fetch all requested fields", func() {
			res, err := o.Do(ctx, queryReq("name", "email"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeFalse())
			Expect(res.IncrementalFetch).To(BeFalse())
			Expect(res.Data).To(HaveKeyWithValue("name", "Ann"))
			Expect(fetch.count()).To(Equal(1))
		})

		It("should record a full snapshot when no fields were selected", func() {
			_, err := o.Do(ctx, queryReq(), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq(), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeTrue())
			Expect(fetch.count()).To(Equal(1))
		})

		It("should not treat a fielded result as a full snapshot", func() {
			_, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq(), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeFalse())
			Expect(fetch.count()).To(Equal(2))
		})
	})

	Describe("full hit", func() {
		It("should serve a repeated request from cache", func() {
			_, err := o.Do(ctx, queryReq("name", "email"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq("name", "email"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeTrue())
			Expect(res.Data).To(HaveKeyWithValue("email", "ann@example.com"))
			Expect(fetch.count()).To(Equal(1))
		})

		It("should serve a subset of cached fields from cache", func() {
			_, err := o.Do(ctx, queryReq("name", "email"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeTrue())
			Expect(res.Data).To(HaveKeyWithValue("name", "Ann"))
			Expect(res.Data).NotTo(HaveKey("email"))
		})
	})

	Describe("partial hit", func() {
		It("should fetch only the missing fields and merge", func() {
			_, err := o.Do(ctx, queryReq("name", "email"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq("name", "email", "bio"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.IncrementalFetch).To(BeTrue())
			Expect(res.Data).To(HaveKeyWithValue("name", "Ann"))
			Expect(res.Data).To(HaveKeyWithValue("email", "ann@example.com"))
			Expect(res.Data).To(HaveKeyWithValue("bio", "hello"))

			Expect(fetch.count()).To(Equal(2))
			Expect(fetch.lastFields()).To(Equal([]string{"bio"}))
		})

		It("should treat a partial hit as a miss when incremental fetching is disabled", func() {
			cfg := config.DefaultConfig()
			cfg.IncrementalFetch = false
			o = optimizer.New(cfg, nil)

			_, err := o.Do(ctx, queryReq("name", "email"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq("name", "email", "bio"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.IncrementalFetch).To(BeFalse())
			Expect(fetch.lastFields()).To(Equal([]string{"name", "email", "bio"}))
		})
	})

	Describe("mutations", func() {
		It("should pass through and invalidate the entity type", func() {
			_, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			_, err = o.Do(ctx, optimizer.Request{
				Kind:       optimizer.KindMutation,
				Operation:  "updateUser",
				Input:      document.Document{"id": "u-1", "name": "Bea"},
				EntityType: "User",
				EntityID:   "u-1",
			}, fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeFalse())
		})

		It("should not invalidate other entity types", func() {
			_, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			_, err = o.Do(ctx, optimizer.Request{
				Kind:       optimizer.KindMutation,
				Operation:  "updatePost",
				EntityType: "Post",
				EntityID:   "p-1",
			}, fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			res, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FromCache).To(BeTrue())
		})
	})

	Describe("deduplication", func() {
		It("should collapse concurrent identical requests onto one fetch", func() {
			var slow atomic.Int64

			release := make(chan struct{})
			blockingFetch := func(_ context.Context, req optimizer.Request) (document.Document, error) {
				slow.Add(1)
				<-release

				return document.Document{"id": "u-1", "name": "Ann"}, nil
			}

			const n = 8

			var wg sync.WaitGroup

			results := make([]document.Document, n)
			errs := make([]error, n)

			for i := 0; i < n; i++ {
				wg.Add(1)

				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()

					res, err := o.Do(ctx, queryReq("name"), blockingFetch)
					results[i] = res.Data
					errs[i] = err
				}(i)
			}

			Eventually(func() int64 { return slow.Load() }).Should(Equal(int64(1)))
			close(release)
			wg.Wait()

			for i := 0; i < n; i++ {
				Expect(errs[i]).NotTo(HaveOccurred())
				Expect(results[i]).To(HaveKeyWithValue("name", "Ann"))
			}
		})

		It("should not poison later attempts after a failure", func() {
			fetch.err = errors.New("offline")

			_, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).To(MatchError("offline"))

			fetch.err = nil

			res, err := o.Do(ctx, queryReq("name"), fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Data).To(HaveKeyWithValue("name", "Ann"))
		})

		It("should deduplicate requests without an entity target", func() {
			req := optimizer.Request{
				Kind:      optimizer.KindQuery,
				Operation: "listUsers",
			}

			_, err := o.Do(ctx, req, fetch.fetch)
			Expect(err).NotTo(HaveOccurred())

			// No field cache for unaddressed requests: every call
			// fetches.
			_, err = o.Do(ctx, req, fetch.fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(fetch.count()).To(Equal(2))
		})
	})
})
