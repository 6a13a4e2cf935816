package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/cache"
	"github.com/Clark-Hu/store-rater/internal/config"
	"github.com/Clark-Hu/store-rater/internal/domain"
	"github.com/Clark-Hu/store-rater/internal/metrics"
	"github.com/Clark-Hu/store-rater/internal/pgtest"
	"github.com/Clark-Hu/store-rater/internal/rating"
	"github.com/Clark-Hu/store-rater/internal/reconcile"
	"github.com/Clark-Hu/store-rater/internal/repository"
)

// memCache is an in-process StoreCache for handler tests.
type memCache struct {
	mu      sync.Mutex
	entries map[int64]domain.Store
	gens    map[int64]int64
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[int64]domain.Store), gens: make(map[int64]int64)}
}

func (c *memCache) Get(_ context.Context, id int64) (cache.Lookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[id]
	return cache.Lookup{Store: st, Hit: ok, Generation: c.gens[id]}, nil
}

func (c *memCache) Set(_ context.Context, st domain.Store, generation int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[st.ID] != generation {
		return false, nil
	}
	c.entries[st.ID] = st
	return true, nil
}

func (c *memCache) Invalidate(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	delete(c.entries, id)
	return nil
}

// interleavingCache runs beforeSet ahead of the first fill, standing in for
// a write that lands between a reader's database load and its cache fill.
type interleavingCache struct {
	*memCache
	once      sync.Once
	beforeSet func()
}

func (c *interleavingCache) Set(ctx context.Context, st domain.Store, generation int64) (bool, error) {
	c.once.Do(func() {
		if c.beforeSet != nil {
			c.beforeSet()
		}
	})
	return c.memCache.Set(ctx, st, generation)
}

type testServer struct {
	*Server
	pool  *pgxpool.Pool
	cache *memCache
}

func buildTestServer(tb testing.TB) *testServer {
	tb.Helper()
	mc := newMemCache()
	return buildTestServerWithCache(tb, mc, mc)
}

func buildTestServerWithCache(tb testing.TB, mc *memCache, storeCache cache.StoreCache) *testServer {
	tb.Helper()
	cfg := config.Config{
		Port:             "0",
		AuthToken:        "secret",
		ReadTimeoutSecs:  15,
		WriteTimeoutSecs: 15,
		IdleTimeoutSecs:  60,
	}

	pool := pgtest.NewPool(tb, "stores_test_handlers")
	repo := repository.NewWithPool(pool)
	agg := rating.NewAggregator(pool)
	m := metrics.New("test")
	logger := zap.NewNop()

	srv := New(cfg, Deps{
		Repo:       repo,
		Aggregator: agg,
		Reconciler: reconcile.NewWorker(agg, time.Minute, m, storeCache, logger),
		Cache:      storeCache,
		Metrics:    m,
		Logger:     logger,
	})
	return &testServer{Server: srv, pool: pool, cache: mc}
}

func (ts *testServer) do(tb testing.TB, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	tb.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seedUser(tb testing.TB, name string, role domain.Role) domain.User {
	tb.Helper()
	u, err := ts.repo.Users.Create(context.Background(), repository.UserCreateParams{
		Name:  name,
		Email: fmt.Sprintf("%s@example.com", name),
		Role:  role,
	})
	if err != nil {
		tb.Fatalf("create user: %v", err)
	}
	return u
}

func (ts *testServer) seedStore(tb testing.TB, name string, featured bool) domain.Store {
	tb.Helper()
	st, err := ts.repo.Stores.Create(context.Background(), repository.StoreCreateParams{
		Name:     name,
		Address:  "1 Main St",
		Featured: featured,
	})
	if err != nil {
		tb.Fatalf("create store: %v", err)
	}
	return st
}

func decodeBody[T any](tb testing.TB, rec *httptest.ResponseRecorder) T {
	tb.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		tb.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandleSubmitRating_AddThenReplace(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "alice", domain.RoleUser)
	st := ts.seedStore(t, "Corner Shop", false)
	path := fmt.Sprintf("/stores/%d/ratings", st.ID)

	rec := ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":4,"reviewText":"nice"}`, u.ID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	first := decodeBody[submitRatingResponse](t, rec)
	if first.Store.RatingCount != 1 || first.Store.TotalRatingValue != 4 || first.Store.AverageRating != 4 {
		t.Fatalf("unexpected summary after addition: %+v", first.Store)
	}
	if first.Rating.ReviewText == nil || *first.Rating.ReviewText != "nice" {
		t.Fatalf("review text not stored: %+v", first.Rating)
	}

	rec = ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":2}`, u.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	second := decodeBody[submitRatingResponse](t, rec)
	if second.Store.RatingCount != 1 || second.Store.TotalRatingValue != 2 || second.Store.AverageRating != 2 {
		t.Fatalf("unexpected summary after replacement: %+v", second.Store)
	}
	if second.Rating.PreviousRating == nil || *second.Rating.PreviousRating != 4 {
		t.Fatalf("previous rating = %v, want 4", second.Rating.PreviousRating)
	}
	if second.Rating.ReviewText != nil {
		t.Fatalf("review text should be cleared, got %q", *second.Rating.ReviewText)
	}
}

func TestHandleSubmitRating_Validation(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "bob", domain.RoleUser)
	st := ts.seedStore(t, "Deli", false)
	path := fmt.Sprintf("/stores/%d/ratings", st.ID)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"zero", fmt.Sprintf(`{"userId":%d,"rating":0}`, u.ID), http.StatusUnprocessableEntity},
		{"six", fmt.Sprintf(`{"userId":%d,"rating":6}`, u.ID), http.StatusUnprocessableEntity},
		{"fractional", fmt.Sprintf(`{"userId":%d,"rating":4.5}`, u.ID), http.StatusUnprocessableEntity},
		{"missing user", `{"rating":3}`, http.StatusUnprocessableEntity},
		{"malformed", `{"userId":`, http.StatusBadRequest},
		{"empty", ``, http.StatusBadRequest},
		{"unknown field", fmt.Sprintf(`{"userId":%d,"rating":3,"stars":3}`, u.ID), http.StatusBadRequest},
		{"unknown user", `{"userId":999999,"rating":3}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	got, err := ts.repo.Stores.GetByID(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get store: %v", err)
	}
	if got.RatingCount != 0 || got.TotalRatingValue != 0 {
		t.Fatalf("rejected submissions changed the summary: %+v", got)
	}
}

func TestHandleSubmitRating_UnknownStore(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "carol", domain.RoleUser)

	rec := ts.do(t, http.MethodPost, "/stores/424242/ratings", fmt.Sprintf(`{"userId":%d,"rating":3}`, u.ID))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/stores/abc/ratings", fmt.Sprintf(`{"userId":%d,"rating":3}`, u.ID))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRemoveRating(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "dave", domain.RoleUser)
	st := ts.seedStore(t, "Bakery", false)
	path := fmt.Sprintf("/stores/%d/ratings", st.ID)

	if rec := ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":5}`, u.ID)); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec := ts.do(t, http.MethodDelete, path, fmt.Sprintf(`{"userId":%d}`, u.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]storeResponse](t, rec)
	if got := body["store"]; got.RatingCount != 0 || got.TotalRatingValue != 0 || got.AverageRating != 0 {
		t.Fatalf("summary not reset: %+v", got)
	}

	rec = ts.do(t, http.MethodDelete, path, fmt.Sprintf(`{"userId":%d}`, u.ID))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second remove status = %d, want 404", rec.Code)
	}
}

func TestRatingWriteMetricLabels(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "hank", domain.RoleUser)
	st := ts.seedStore(t, "Toy Shop", false)
	path := fmt.Sprintf("/stores/%d/ratings", st.ID)

	ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":5}`, u.ID))
	ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":4}`, u.ID))
	ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":9}`, u.ID))
	ts.do(t, http.MethodDelete, path, fmt.Sprintf(`{"userId":%d}`, u.ID))
	ts.do(t, http.MethodDelete, path, fmt.Sprintf(`{"userId":%d}`, u.ID))

	writes := ts.metrics.RatingWritesTotal
	cases := []struct {
		operation, outcome string
	}{
		{"submit", "added"},
		{"submit", "replaced"},
		{"submit", "invalid_value"},
		{"remove", "removed"},
		{"remove", "not_found"},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(writes.WithLabelValues(tc.operation, tc.outcome)); got != 1 {
			t.Errorf("rating writes {%s,%s} = %v, want 1", tc.operation, tc.outcome, got)
		}
	}
	if got := testutil.CollectAndCount(writes); got != len(cases) {
		t.Errorf("rating write series = %d, want %d", got, len(cases))
	}
}

func TestHandleGetStore_CacheInvalidatedByRating(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "erin", domain.RoleUser)
	st := ts.seedStore(t, "Florist", false)
	path := fmt.Sprintf("/stores/%d", st.ID)

	rec := ts.do(t, http.MethodGet, path, "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first read: status %d cache %q", rec.Code, rec.Header().Get("X-Cache"))
	}
	rec = ts.do(t, http.MethodGet, path, "")
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second read should hit the cache")
	}

	if rec := ts.do(t, http.MethodPost, path+"/ratings", fmt.Sprintf(`{"userId":%d,"rating":3}`, u.ID)); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}
	if lookup, _ := ts.cache.Get(context.Background(), st.ID); lookup.Hit {
		t.Fatalf("cache entry should be invalidated after a rating")
	}

	rec = ts.do(t, http.MethodGet, path, "")
	got := decodeBody[storeResponse](t, rec)
	if rec.Header().Get("X-Cache") != "MISS" || got.RatingCount != 1 || got.AverageRating != 3 {
		t.Fatalf("stale store served: cache %q body %+v", rec.Header().Get("X-Cache"), got)
	}
}

func TestHandleGetStore_RatingDuringReadIsNotCachedStale(t *testing.T) {
	mc := newMemCache()
	ic := &interleavingCache{memCache: mc}
	ts := buildTestServerWithCache(t, mc, ic)
	u := ts.seedUser(t, "gwen", domain.RoleUser)
	st := ts.seedStore(t, "Bakery", false)
	path := fmt.Sprintf("/stores/%d", st.ID)

	ic.beforeSet = func() {
		rec := ts.do(t, http.MethodPost, path+"/ratings", fmt.Sprintf(`{"userId":%d,"rating":5}`, u.ID))
		if rec.Code != http.StatusCreated {
			t.Errorf("interleaved submit status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	// The first read loaded the store before the rating committed.
	rec := ts.do(t, http.MethodGet, path, "")
	if got := decodeBody[storeResponse](t, rec); got.RatingCount != 0 {
		t.Fatalf("first read count = %d, want the pre-rating 0", got.RatingCount)
	}
	if lookup, _ := mc.Get(context.Background(), st.ID); lookup.Hit {
		t.Fatalf("stale store was cached: %+v", lookup.Store)
	}

	rec = ts.do(t, http.MethodGet, path, "")
	got := decodeBody[storeResponse](t, rec)
	if rec.Header().Get("X-Cache") != "MISS" || got.RatingCount != 1 || got.AverageRating != 5 {
		t.Fatalf("second read: cache %q body %+v", rec.Header().Get("X-Cache"), got)
	}

	rec = ts.do(t, http.MethodGet, path, "")
	if rec.Header().Get("X-Cache") != "HIT" || decodeBody[storeResponse](t, rec).RatingCount != 1 {
		t.Fatalf("third read should hit the fresh entry")
	}
}

func TestHandleGetStore_Inactive(t *testing.T) {
	ts := buildTestServer(t)
	st := ts.seedStore(t, "Closed Shop", false)

	if rec := ts.do(t, http.MethodDelete, fmt.Sprintf("/admin/stores/%d", st.ID), "", "Authorization", "Bearer secret"); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, fmt.Sprintf("/stores/%d", st.ID), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListStores(t *testing.T) {
	ts := buildTestServer(t)
	u := ts.seedUser(t, "frank", domain.RoleUser)
	low := ts.seedStore(t, "Low Shop", false)
	high := ts.seedStore(t, "High Shop", true)

	for id, value := range map[int64]int{low.ID: 2, high.ID: 5} {
		path := fmt.Sprintf("/stores/%d/ratings", id)
		if rec := ts.do(t, http.MethodPost, path, fmt.Sprintf(`{"userId":%d,"rating":%d}`, u.ID, value)); rec.Code != http.StatusCreated {
			t.Fatalf("submit status = %d", rec.Code)
		}
	}

	rec := ts.do(t, http.MethodGet, "/stores", "")
	list := decodeBody[storeListResponse](t, rec)
	if len(list.Items) != 2 || list.Items[0].ID != high.ID {
		t.Fatalf("stores not ranked by average: %+v", list.Items)
	}

	rec = ts.do(t, http.MethodGet, "/stores?featured=true", "")
	list = decodeBody[storeListResponse](t, rec)
	if len(list.Items) != 1 || list.Items[0].ID != high.ID {
		t.Fatalf("featured filter failed: %+v", list.Items)
	}

	rec = ts.do(t, http.MethodGet, "/stores?limit=1", "")
	list = decodeBody[storeListResponse](t, rec)
	if len(list.Items) != 1 || list.NextCursor == nil {
		t.Fatalf("expected one item and a cursor: %+v", list)
	}
	rec = ts.do(t, http.MethodGet, "/stores?limit=1&cursor="+*list.NextCursor, "")
	list = decodeBody[storeListResponse](t, rec)
	if len(list.Items) != 1 || list.Items[0].ID != low.ID {
		t.Fatalf("second page wrong: %+v", list.Items)
	}

	if rec := ts.do(t, http.MethodGet, "/stores?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleListRatings(t *testing.T) {
	ts := buildTestServer(t)
	rater := ts.seedUser(t, "grace", domain.RoleUser)
	st := ts.seedStore(t, "Hardware", false)

	if rec := ts.do(t, http.MethodPost, fmt.Sprintf("/stores/%d/ratings", st.ID), fmt.Sprintf(`{"userId":%d,"rating":4,"reviewText":"good tools"}`, rater.ID)); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/stores/%d/ratings", st.ID), "")
	raters := decodeBody[storeRatersResponse](t, rec)
	if raters.RatingCount != 1 || len(raters.Items) != 1 || raters.Items[0].Email != "grace@example.com" {
		t.Fatalf("unexpected raters: %+v", raters)
	}

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/users/%d/ratings", rater.ID), "")
	mine := decodeBody[userRatingsResponse](t, rec)
	if len(mine.Items) != 1 || mine.Items[0].StoreName != "Hardware" || mine.Items[0].Rating != 4 {
		t.Fatalf("unexpected user ratings: %+v", mine)
	}

	if rec := ts.do(t, http.MethodGet, "/users/999999/ratings", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGetRating(t *testing.T) {
	ts := buildTestServer(t)
	rater := ts.seedUser(t, "ines", domain.RoleUser)
	other := ts.seedUser(t, "jack", domain.RoleUser)
	st := ts.seedStore(t, "Book Nook", false)

	if rec := ts.do(t, http.MethodPost, fmt.Sprintf("/stores/%d/ratings", st.ID), fmt.Sprintf(`{"userId":%d,"rating":3,"reviewText":"ok"}`, rater.ID)); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/stores/%d/ratings/%d", st.ID, rater.ID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[ratingResponse](t, rec)
	if got.UserID != rater.ID || got.StoreID != st.ID || got.Rating != 3 || got.ReviewText == nil || *got.ReviewText != "ok" {
		t.Fatalf("unexpected rating: %+v", got)
	}

	if rec := ts.do(t, http.MethodGet, fmt.Sprintf("/stores/%d/ratings/%d", st.ID, other.ID), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unrated status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, fmt.Sprintf("/stores/%d/ratings/abc", st.ID), ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad user id status = %d, want 400", rec.Code)
	}
}

func TestAdminRoutes_RequireBearer(t *testing.T) {
	ts := buildTestServer(t)

	for _, path := range []string{"/admin/stats", "/admin/reconcile", "/admin/users"} {
		method := http.MethodGet
		if path != "/admin/stats" {
			method = http.MethodPost
		}
		rec := ts.do(t, method, path, `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, rec.Code)
		}
		rec = ts.do(t, method, path, `{}`, "Authorization", "Bearer wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token status = %d, want 401", path, rec.Code)
		}
	}
}

func TestAdminCreateUserAndStore(t *testing.T) {
	ts := buildTestServer(t)
	auth := []string{"Authorization", "Bearer secret"}

	rec := ts.do(t, http.MethodPost, "/admin/users", `{"name":"Store Owner","email":"Owner@Example.com","role":"owner"}`, auth...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user status = %d: %s", rec.Code, rec.Body.String())
	}
	owner := decodeBody[userResponse](t, rec)
	if owner.Email != "owner@example.com" || owner.Role != "owner" {
		t.Fatalf("unexpected user: %+v", owner)
	}

	rec = ts.do(t, http.MethodPost, "/admin/users", `{"name":"Someone Else","email":"owner@example.com"}`, auth...)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate email status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/admin/users", `{"name":"X","email":"x@example.com"}`, auth...)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short name status = %d, want 422", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/admin/stores", fmt.Sprintf(`{"ownerId":%d,"name":"Owned Shop","address":"2 High St"}`, owner.ID), auth...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create store status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[storeResponse](t, rec)
	if created.OwnerID == nil || *created.OwnerID != owner.ID || created.RatingCount != 0 {
		t.Fatalf("unexpected store: %+v", created)
	}

	plain := ts.seedUser(t, "henry", domain.RoleUser)
	rec = ts.do(t, http.MethodPost, "/admin/stores", fmt.Sprintf(`{"ownerId":%d,"name":"Not Owned"}`, plain.ID), auth...)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("non-owner store status = %d, want 422", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/admin/stats", "", auth...)
	stats := decodeBody[statsResponse](t, rec)
	if stats.Users != 2 || stats.Stores != 1 || stats.Ratings != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if rec := ts.do(t, http.MethodDelete, fmt.Sprintf("/admin/users/%d", plain.ID), "", auth...); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate user status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, fmt.Sprintf("/admin/users/%d", plain.ID), "", auth...); rec.Code != http.StatusNotFound {
		t.Fatalf("second deactivate status = %d, want 404", rec.Code)
	}
}

func TestAdminUpdateAndListUsers(t *testing.T) {
	ts := buildTestServer(t)
	auth := []string{"Authorization", "Bearer secret"}
	kate := ts.seedUser(t, "kate", domain.RoleUser)
	liam := ts.seedUser(t, "liam", domain.RoleUser)
	path := fmt.Sprintf("/admin/users/%d", kate.ID)

	rec := ts.do(t, http.MethodPatch, path, `{"name":"Kate Owner","role":"OWNER"}`, auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[userResponse](t, rec)
	if updated.Name != "Kate Owner" || updated.Role != "owner" || updated.Email != kate.Email {
		t.Fatalf("unexpected user: %+v", updated)
	}

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty", path, `{}`, http.StatusUnprocessableEntity},
		{"bad role", path, `{"role":"root"}`, http.StatusUnprocessableEntity},
		{"bad email", path, `{"email":"nope"}`, http.StatusUnprocessableEntity},
		{"taken email", path, fmt.Sprintf(`{"email":%q}`, liam.Email), http.StatusConflict},
		{"unknown field", path, `{"active":false}`, http.StatusBadRequest},
		{"unknown user", "/admin/users/999999", `{"name":"Nobody"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPatch, tc.path, tc.body, auth...); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	if rec := ts.do(t, http.MethodDelete, fmt.Sprintf("/admin/users/%d", liam.ID), "", auth...); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/admin/users", "", auth...)
	all := decodeBody[userListResponse](t, rec)
	if len(all.Items) != 1 || all.Items[0].ID != kate.ID {
		t.Fatalf("active users = %+v, want only kate", all.Items)
	}
	rec = ts.do(t, http.MethodGet, "/admin/users?role=user", "", auth...)
	if users := decodeBody[userListResponse](t, rec); len(users.Items) != 0 {
		t.Fatalf("role filter returned %+v", users.Items)
	}
	if rec := ts.do(t, http.MethodGet, "/admin/users?role=root", "", auth...); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role filter status = %d, want 400", rec.Code)
	}
}

func TestAdminUpdateStore(t *testing.T) {
	ts := buildTestServer(t)
	auth := []string{"Authorization", "Bearer secret"}
	rater := ts.seedUser(t, "mona", domain.RoleUser)
	owner := ts.seedUser(t, "nina", domain.RoleOwner)
	st := ts.seedStore(t, "Old Sign", false)
	storePath := fmt.Sprintf("/stores/%d", st.ID)
	path := "/admin" + storePath

	if rec := ts.do(t, http.MethodPost, storePath+"/ratings", fmt.Sprintf(`{"userId":%d,"rating":4}`, rater.ID)); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, storePath, ""); rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first read should miss")
	}

	rec := ts.do(t, http.MethodPatch, path, fmt.Sprintf(`{"name":"New Sign","featured":true,"ownerId":%d}`, owner.ID), auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[storeResponse](t, rec)
	if updated.Name != "New Sign" || !updated.Featured || updated.OwnerID == nil || *updated.OwnerID != owner.ID {
		t.Fatalf("unexpected store: %+v", updated)
	}
	if updated.RatingCount != 1 || updated.AverageRating != 4 {
		t.Fatalf("summary changed by update: %+v", updated)
	}

	rec = ts.do(t, http.MethodGet, storePath, "")
	if rec.Header().Get("X-Cache") != "MISS" || decodeBody[storeResponse](t, rec).Name != "New Sign" {
		t.Fatalf("update did not invalidate the cached store")
	}

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty", path, `{}`, http.StatusUnprocessableEntity},
		{"short name", path, `{"name":"X"}`, http.StatusUnprocessableEntity},
		{"summary field", path, `{"ratingCount":10}`, http.StatusBadRequest},
		{"non-owner", path, fmt.Sprintf(`{"ownerId":%d}`, rater.ID), http.StatusUnprocessableEntity},
		{"unknown store", "/admin/stores/999999", `{"name":"Ghost"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPatch, tc.path, tc.body, auth...); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestAdminReconcile(t *testing.T) {
	ts := buildTestServer(t)
	auth := []string{"Authorization", "Bearer secret"}
	u := ts.seedUser(t, "ivan", domain.RoleUser)
	st := ts.seedStore(t, "Drifting Shop", false)

	if rec := ts.do(t, http.MethodPost, fmt.Sprintf("/stores/%d/ratings", st.ID), fmt.Sprintf(`{"userId":%d,"rating":4}`, u.ID)); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/admin/stores/%d/reconcile", st.ID), "", auth...)
	clean := decodeBody[reconciliationResponse](t, rec)
	if rec.Code != http.StatusOK || clean.Drifted {
		t.Fatalf("consistent store reported drift: %d %+v", rec.Code, clean)
	}

	if _, err := ts.pool.Exec(context.Background(), `UPDATE stores SET rating_count = 7, total_rating_value = 30, average_rating = 4.29 WHERE id = $1`, st.ID); err != nil {
		t.Fatalf("corrupt summary: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/admin/reconcile", "", auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile all status = %d: %s", rec.Code, rec.Body.String())
	}
	all := decodeBody[reconcileAllResponse](t, rec)
	if all.Checked != 1 || len(all.Drifted) != 1 {
		t.Fatalf("unexpected pass: %+v", all)
	}
	if got := all.Drifted[0]; got.Before.RatingCount != 7 || got.After.RatingCount != 1 || got.After.AverageRating != 4 {
		t.Fatalf("unexpected reconciliation: %+v", got)
	}

	if rec := ts.do(t, http.MethodPost, "/admin/stores/999999/reconcile", "", auth...); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := buildTestServer(t)
	ts.do(t, http.MethodGet, "/stores", "")

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`test_http_requests_total{method="GET",route="/stores`)) {
		t.Fatalf("request counter missing from exposition")
	}
}

func TestHandleHealthz_NoDatabase(t *testing.T) {
	srv := New(config.Config{AuthToken: "secret"}, Deps{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
