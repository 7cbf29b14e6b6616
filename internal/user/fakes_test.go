package user

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/clock/system"
	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/dispatcher"
	"github.com/JakeFAU/bgm-collector/internal/storage/memory"
)

const origin = "https://bgm.test"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type fakeResponse struct {
	status   int
	body     string
	finalURL string
	err      error
}

// fakeFetcher answers by exact request URL and records every request.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	requests  []string
	gate      chan struct{}
	calls     atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]fakeResponse{}}
}

func (f *fakeFetcher) on(url string, resp fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp.status == 0 {
		resp.status = http.StatusOK
	}
	f.responses[url] = resp
}

func (f *fakeFetcher) Fetch(ctx context.Context, req collector.FetchRequest) (collector.FetchResponse, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return collector.FetchResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, req.URL)
	resp, ok := f.responses[req.URL]
	f.mu.Unlock()
	if !ok {
		return collector.FetchResponse{}, fmt.Errorf("unexpected request %s", req.URL)
	}
	if resp.err != nil {
		return collector.FetchResponse{}, resp.err
	}
	final := resp.finalURL
	if final == "" {
		final = req.URL
	}
	return collector.FetchResponse{URL: final, StatusCode: resp.status, Body: []byte(resp.body)}, nil
}

func (f *fakeFetcher) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// fakeParser maps page bodies to parse results.
type fakeParser struct {
	profiles  map[string]collector.ProfileRecord
	timelines map[string]*collector.TimelinePage
}

func newFakeParser() *fakeParser {
	return &fakeParser{
		profiles:  map[string]collector.ProfileRecord{},
		timelines: map[string]*collector.TimelinePage{},
	}
}

func (p *fakeParser) ParseProfile(html []byte) (collector.ProfileRecord, error) {
	if string(html) == "missing" {
		return collector.ProfileRecord{}, collector.ErrNotFound
	}
	rec, ok := p.profiles[string(html)]
	if !ok {
		return collector.ProfileRecord{}, errors.New("no profile header")
	}
	return rec, nil
}

func (p *fakeParser) ParseTimeline(html []byte) (*collector.TimelinePage, error) {
	if string(html) == "empty" {
		return nil, nil
	}
	page, ok := p.timelines[string(html)]
	if !ok {
		return nil, errors.New("bad timeline")
	}
	return page, nil
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("user-%d", s.n.Add(1)), nil
}

type fixture struct {
	fetcher *fakeFetcher
	parser  *fakeParser
	store   *memory.Store
	clock   *system.Manual
	compass *Compass
	service *Service
}

func newFixture(t *testing.T, spawner collector.Spawner) *fixture {
	t.Helper()
	compass, err := NewCompass([]string{origin})
	if err != nil {
		t.Fatalf("NewCompass() error = %v", err)
	}
	f := &fixture{
		fetcher: newFakeFetcher(),
		parser:  newFakeParser(),
		clock:   system.NewManual(t0),
		compass: compass,
	}
	if spawner == nil {
		spawner = dispatcher.Inline{}
	}
	f.store = memory.NewStore(&seqIDs{}, f.clock)
	walker := NewWalker(f.fetcher, f.parser, compass, f.clock, WalkerConfig{MaxPages: 10}, zap.NewNop())
	f.service = NewService(Deps{
		Users:   f.store,
		Fetcher: f.fetcher,
		Parser:  f.parser,
		Compass: compass,
		Walker:  walker,
		Spawner: spawner,
		Clock:   f.clock,
	}, Config{Policy: DefaultPolicy(), ProfilePermits: 4, NamePermits: 4}, zap.NewNop())
	return f
}

// profile registers a profile page for uid parsing to rec.
func (f *fixture) profile(uid collector.UID, rec collector.ProfileRecord) {
	body := "profile:" + uid.String()
	f.parser.profiles[body] = rec
	f.fetcher.on(f.compass.Home(uid), fakeResponse{body: body})
}

// timeline registers page n of uid's timeline. A nil page means no timeline section.
func (f *fixture) timeline(uid collector.UID, n int, page *collector.TimelinePage) {
	body := "empty"
	if page != nil {
		body = fmt.Sprintf("timeline:%s:%d", uid, n)
		f.parser.timelines[body] = page
	}
	f.fetcher.on(f.compass.Timeline(uid, n), fakeResponse{body: body})
}

type recordingSpawner struct {
	mu    sync.Mutex
	tasks []func(ctx context.Context)
}

func (r *recordingSpawner) Go(_ string, task func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingSpawner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recordingSpawner) RunAll() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, task := range tasks {
		task(context.Background())
	}
}
