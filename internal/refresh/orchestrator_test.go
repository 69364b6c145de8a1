package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/epgmux/internal/epgstore"
	"github.com/snapetech/epgmux/internal/fetch"
	"github.com/snapetech/epgmux/internal/httpclient"
	"github.com/snapetech/epgmux/internal/xmltv"
)

const twoChannelDoc = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="new.one"><display-name>New One</display-name></channel>
  <channel id="new.two"><display-name>New Two</display-name></channel>
  <programme channel="new.one" start="20250101000000 +0000"><title>Show</title></programme>
</tv>`

func testStore(t *testing.T) *epgstore.Store {
	t.Helper()
	s := epgstore.New(afero.NewMemMapFs(), "/epg")
	require.NoError(t, s.Init())
	return s
}

func testConfig() Config {
	return Config{
		Workers: 4,
		Fetch: fetch.Options{
			Client: httpclient.New(200 * time.Millisecond),
			Retry:  httpclient.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		},
	}
}

func seedSource(t *testing.T, s *epgstore.Store, name, doc string, idx *xmltv.Index) {
	t.Helper()
	staged, _, err := s.StageRaw(name, strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, s.CommitRaw(name, staged))
	require.NoError(t, s.SaveSourceIndex(name, idx))
}

func TestRefresh_EndToEndMixedOutcomes(t *testing.T) {
	var freshHits, cachedHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cached.xml":
			atomic.AddInt32(&cachedHits, 1)
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			fmt.Fprint(w, `<tv><channel id="wrong"/></tv>`)
		case "/fresh.xml":
			atomic.AddInt32(&freshHits, 1)
			w.Header().Set("ETag", `"n1"`)
			w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
			fmt.Fprint(w, twoChannelDoc)
		case "/slow.xml":
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}
	}))
	defer srv.Close()

	store := testStore(t)
	retainedDoc := `<tv><channel id="kept.id"><display-name>Kept</display-name></channel></tv>`
	seedSource(t, store, "cached", retainedDoc, &xmltv.Index{
		NameToID:  map[string]string{"kept": "kept.id"},
		IDToNames: map[string][]string{"kept.id": {"kept"}},
	})
	require.NoError(t, store.SaveMeta(epgstore.Meta{"cached": {ETag: `"v1"`}}))

	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Metrics = NewMetrics(reg)
	o := New(store, nil, cfg)

	sources := []Source{
		{Name: "cached", URL: srv.URL + "/cached.xml"},
		{Name: "fresh", URL: srv.URL + "/fresh.xml"},
		{Name: "slow", URL: srv.URL + "/slow.xml"},
	}
	res, err := o.Refresh(context.Background(), sources)
	require.NoError(t, err)
	require.Len(t, res.Sources, 3)
	assert.Equal(t, OutcomeUnchanged, res.Sources[0].Outcome)
	assert.Equal(t, OutcomeChanged, res.Sources[1].Outcome)
	assert.Equal(t, OutcomeError, res.Sources[2].Outcome)
	assert.NotEmpty(t, res.Sources[2].Error)
	assert.True(t, res.Changed)
	assert.True(t, res.Merged)
	assert.NotEmpty(t, res.RunID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&cachedHits))
	assert.EqualValues(t, 1, atomic.LoadInt32(&freshHits))

	idNames, err := store.CombinedIDNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"new one"}, idNames["new.one"])
	assert.Equal(t, []string{"new two"}, idNames["new.two"])
	assert.Equal(t, []string{"kept"}, idNames["kept.id"])
	assert.Equal(t, []string{epgstore.PlaceholderName}, idNames[epgstore.PlaceholderID])
	assert.NotContains(t, idNames, "wrong")

	meta, err := store.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, meta["cached"].ETag)
	assert.Equal(t, `"n1"`, meta["fresh"].ETag)
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", meta["fresh"].LastModified)
	assert.False(t, meta["fresh"].UpdatedAt.IsZero())
	_, hasSlow := meta["slow"]
	assert.False(t, hasSlow)

	assert.True(t, store.MergedExists())
	assert.True(t, store.RawExists("fresh"))
	assert.False(t, store.RawExists("slow"))

	snap := o.Status().Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 3, snap.Current)
	assert.Nil(t, snap.LastError, "per-source failures are not structural")
	assert.NotNil(t, snap.LastRun)

	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.SourcesTotal.WithLabelValues("changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.SourcesTotal.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.SourcesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.RunsTotal.WithLabelValues("ok")))
}

func TestRefresh_NotModifiedKeepsIndexAndSkipsMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"e"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"e"`)
		fmt.Fprint(w, twoChannelDoc)
	}))
	defer srv.Close()

	store := testStore(t)
	o := New(store, nil, testConfig())
	sources := []Source{{Name: "only", URL: srv.URL}}

	res, err := o.Refresh(context.Background(), sources)
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, res.Sources[0].Outcome)
	before, ok, err := store.LoadSourceIndex("only")
	require.NoError(t, err)
	require.True(t, ok)

	res, err = o.Refresh(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Sources[0].Outcome)
	assert.False(t, res.Changed)
	assert.False(t, res.Merged, "merged guide exists and nothing changed")

	after, ok, err := store.LoadSourceIndex("only")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestRefresh_MalformedSourceIsIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad.xml":
			w.Header().Set("ETag", `"bad2"`)
			fmt.Fprint(w, `<tv><channel id="x"><display-name>X</channel>`)
		case "/a.xml":
			fmt.Fprint(w, `<tv><channel id="a"><display-name>A</display-name></channel></tv>`)
		case "/b.xml":
			fmt.Fprint(w, `<tv><channel id="b"><display-name>B</display-name></channel></tv>`)
		}
	}))
	defer srv.Close()

	store := testStore(t)
	goodIdx := &xmltv.Index{
		NameToID:  map[string]string{"old bad": "old.bad"},
		IDToNames: map[string][]string{"old.bad": {"old bad"}},
	}
	oldDoc := `<tv><channel id="old.bad"><display-name>Old Bad</display-name></channel></tv>`
	seedSource(t, store, "bad", oldDoc, goodIdx)
	require.NoError(t, store.SaveMeta(epgstore.Meta{"bad": {ETag: `"bad1"`}}))

	o := New(store, nil, testConfig())
	res, err := o.Refresh(context.Background(), []Source{
		{Name: "a", URL: srv.URL + "/a.xml"},
		{Name: "bad", URL: srv.URL + "/bad.xml"},
		{Name: "b", URL: srv.URL + "/b.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeChanged, res.Sources[0].Outcome)
	assert.Equal(t, OutcomeError, res.Sources[1].Outcome)
	assert.Contains(t, res.Sources[1].Error, xmltv.ErrMalformed.Error())
	assert.Equal(t, OutcomeChanged, res.Sources[2].Outcome)

	idNames, err := store.CombinedIDNames()
	require.NoError(t, err)
	assert.Contains(t, idNames, "a")
	assert.Contains(t, idNames, "b")
	assert.Contains(t, idNames, "old.bad", "previous good index of the failing source is kept")
	assert.NotContains(t, idNames, "x")

	kept, _, err := store.LoadSourceIndex("bad")
	require.NoError(t, err)
	assert.Equal(t, goodIdx, kept)

	meta, err := store.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, `"bad1"`, meta["bad"].ETag, "cache entry must not advance on a failed index")
}

func TestRefresh_UnreadableIndexDoesNotBlockOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.xml" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", `"g1"`)
		fmt.Fprint(w, twoChannelDoc)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := epgstore.New(fs, "/epg")
	require.NoError(t, store.Init())
	require.NoError(t, afero.WriteFile(fs, "/epg/bad.index.json", []byte("{"), 0o644))

	o := New(store, nil, testConfig())
	res, err := o.Refresh(context.Background(), []Source{
		{Name: "bad", URL: srv.URL + "/bad.xml"},
		{Name: "good", URL: srv.URL + "/good.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Sources[0].Outcome)
	assert.Equal(t, OutcomeChanged, res.Sources[1].Outcome)
	assert.True(t, res.Merged)
	assert.Nil(t, o.Status().Snapshot().LastError)

	idNames, err := store.CombinedIDNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"new one"}, idNames["new.one"])
	assert.Equal(t, []string{"new two"}, idNames["new.two"])
	assert.True(t, store.MergedExists())
}

func TestRefresh_ZeroSourcesStillHasPlaceholder(t *testing.T) {
	store := testStore(t)
	o := New(store, nil, testConfig())
	res, err := o.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 1, res.IDs)

	nameIdx, err := store.CombinedNameIndex()
	require.NoError(t, err)
	assert.Equal(t, epgstore.PlaceholderID, nameIdx[epgstore.PlaceholderName])
	assert.True(t, store.MergedExists())
}

func TestRefresh_InvalidURLIsPerSourceError(t *testing.T) {
	store := testStore(t)
	o := New(store, nil, testConfig())
	res, err := o.Refresh(context.Background(), []Source{{Name: "local", URL: "file:///etc/passwd"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Sources[0].Outcome)
}

func TestRefresh_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		fmt.Fprint(w, twoChannelDoc)
	}))
	defer srv.Close()

	store := testStore(t)
	cfg := testConfig()
	cfg.Fetch.Client = srv.Client()
	cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	o := New(store, nil, cfg)
	sources := []Source{{Name: "s", URL: srv.URL}}

	require.True(t, o.Trigger(context.Background(), sources))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := o.Refresh(context.Background(), sources)
	assert.True(t, errors.Is(err, ErrRefreshInProgress))
	assert.False(t, o.Trigger(context.Background(), sources))
	assert.True(t, o.Status().Snapshot().Running)

	close(release)
	require.Eventually(t, func() bool { return !o.Status().Running() }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	assert.Equal(t, 2.0, testutil.ToFloat64(cfg.Metrics.Suppressed))
	assert.True(t, store.RawExists("s"))
}

func TestRefresh_StructuralErrorRecorded(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/epg", 0o755))
	store := epgstore.New(afero.NewReadOnlyFs(base), "/epg")

	o := New(store, nil, testConfig())
	_, err := o.Refresh(context.Background(), nil)
	var serr *StructuralError
	require.True(t, errors.As(err, &serr), "err = %v", err)
	assert.Equal(t, "save meta", serr.Op)

	snap := o.Status().Snapshot()
	assert.False(t, snap.Running)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "save meta")

	// The flag is released, so the next run is allowed to start.
	_, err = o.Refresh(context.Background(), nil)
	assert.False(t, errors.Is(err, ErrRefreshInProgress))
}
