package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/weathermap/model"
)

type fakeRecorder struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
}

func (r *fakeRecorder) ObserveFetch(kind string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
		r.failures = map[string]int{}
	}
	r.calls[kind]++
	if err != nil {
		r.failures[kind]++
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c
}

func TestNodeList(t *testing.T) {
	got, err := NodeList([]string{"core1", "", "edge router_2", "pe-3"})
	if err != nil || got != "core1,edge router_2,pe-3" {
		t.Fatalf("NodeList = %q, %v", got, err)
	}
	if _, err := NodeList(nil); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("empty list: %v", err)
	}
	for _, bad := range []string{"core/1", "a.b", "--", "x;y"} {
		if _, err := NodeList([]string{bad}); !errors.Is(err, ErrInvalidNode) {
			t.Fatalf("NodeList(%q) = %v, want ErrInvalidNode", bad, err)
		}
	}
	many := make([]string, MaxNodes+1)
	for i := range many {
		many[i] = fmt.Sprintf("n%d", i)
	}
	if _, err := NodeList(many); !errors.Is(err, ErrTooManyNodes) {
		t.Fatalf("expected ErrTooManyNodes, got %v", err)
	}
	if _, err := NodeList(many[:MaxNodes]); err != nil {
		t.Fatalf("exactly %d nodes should pass: %v", MaxNodes, err)
	}
}

func TestLinksRequestAndDecode(t *testing.T) {
	var gotPath string
	rec := &fakeRecorder{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		fmt.Fprint(w, `[{"source":"core1","target":"core2","in":12,"out":8,"bandwidth":100,"state":"up"},null,
			{"source":"core1","target":"edge1","source_receive":-3.5,"target_receive":0}]`)
	}, WithRecorder(rec))

	batch, err := c.Links(context.Background(), []string{"core1", "edge 1"}, model.Utilization)
	if err != nil {
		t.Fatalf("Links error: %v", err)
	}
	if gotPath != "/api/node/core1,edge 1/link/utilization" {
		t.Fatalf("path = %q", gotPath)
	}
	if len(batch) != 3 || batch[1] != nil {
		t.Fatalf("batch = %+v", batch)
	}
	if batch[0].In != 12 || batch[0].Bandwidth != 100 {
		t.Fatalf("record 0 = %+v", batch[0])
	}
	if batch[2].TargetReceive == nil || *batch[2].TargetReceive != 0 || *batch[2].SourceReceive != -3.5 {
		t.Fatalf("optical levels not decoded: %+v", batch[2])
	}
	if rec.calls[KindLink] != 1 || rec.failures[KindLink] != 0 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestPollMergesLinksAndRemotes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/remote/"):
			if r.URL.Path != "/api/node/core1,core2/remote/isp-a/health" {
				t.Errorf("remote path = %q", r.URL.Path)
			}
			fmt.Fprint(w, `[{"source":"core1","remote":"isp-a transit","crc_error":2}]`)
		default:
			fmt.Fprint(w, `[{"source":"core1","target":"core2","packet_loss":0.01}]`)
		}
	})

	batch, err := c.Poll(context.Background(), []string{"core1", "core2"}, []string{"isp-a"}, model.Health)
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(batch) != 2 || batch[0].Target != "core2" || batch[1].Remote != "isp-a transit" {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestPollWithoutRemotesMakesOneRequest(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		fmt.Fprint(w, `[]`)
	})
	batch, err := c.Poll(context.Background(), []string{"core1"}, nil, model.Utilization)
	if err != nil || len(batch) != 0 {
		t.Fatalf("Poll = %v, %v", batch, err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
}

func TestStatusErrors(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Too many nodes/remotes requested", http.StatusBadRequest)
	}, WithRecorder(rec))

	_, err := c.Links(context.Background(), []string{"core1"}, model.Optical)
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	if !strings.Contains(err.Error(), "Too many") {
		t.Fatalf("error should carry the server message: %v", err)
	}
	if rec.failures[KindLink] != 1 {
		t.Fatalf("failure not recorded: %+v", rec)
	}
}

func TestMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"`)
	})
	if _, err := c.Links(context.Background(), []string{"core1"}, model.Utilization); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestTimeline(t *testing.T) {
	var body timelineBody
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/timeline/core1,core2/optic" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `[[{"source":"core1","target":"core2","datetime":"2024-03-01 12:00:00-07:00"},
			{"source":"core1","target":"core2","datetime":"2024-03-01 12:01:00-07:00"}],
			[{"source":"core2","target":"core1"}]]`)
	})

	hour := 0
	series, err := c.Timeline(context.Background(), []string{"core1", "core2"}, model.Optical, TimelineRequest{
		Date:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Hour:    &hour,
		Remotes: []string{"isp-a", "isp-b"},
	})
	if err != nil {
		t.Fatalf("Timeline error: %v", err)
	}
	if body.Date != "03/01/2024" || body.Hour != "0" || body.Remotes != "isp-a,isp-b" {
		t.Fatalf("request body = %+v", body)
	}
	if len(series) != 2 || len(series[0]) != 2 || len(series[1]) != 1 {
		t.Fatalf("series shape = %d", len(series))
	}
}

func TestTimelineRejectsHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	_, err := c.Timeline(context.Background(), []string{"core1"}, model.Health, TimelineRequest{Date: time.Now()})
	if !errors.Is(err, ErrTimelineUnsupported) {
		t.Fatalf("expected ErrTimelineUnsupported, got %v", err)
	}
	bad := 24
	_, err = c.Timeline(context.Background(), []string{"core1"}, model.Utilization, TimelineRequest{Date: time.Now(), Hour: &bad})
	if err == nil {
		t.Fatalf("expected error for hour 24")
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New("/api"); err == nil {
		t.Fatalf("expected error for relative url")
	}
}
