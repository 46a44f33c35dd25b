package progress

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rescale/market-publish/internal/logging"
)

type recorder struct {
	mu      sync.Mutex
	updates []int64
}

func (r *recorder) Start(total int64, description string) {}
func (r *recorder) Finish()                                {}
func (r *recorder) Error(err error)                        {}
func (r *recorder) Update(current int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, current)
}

func TestReaderReportsRunningTotal(t *testing.T) {
	rec := &recorder{}
	src := strings.NewReader(strings.Repeat("x", 10))
	r := NewReader(src, rec)

	buf := make([]byte, 4)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}

	want := []int64{4, 8, 10}
	if len(rec.updates) != len(want) {
		t.Fatalf("updates = %v, want %v", rec.updates, want)
	}
	for i := range want {
		if rec.updates[i] != want[i] {
			t.Errorf("updates[%d] = %d, want %d", i, rec.updates[i], want[i])
		}
	}
}

func TestLogProgressThrottles(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogProgress(logging.NewLogger(&buf), 1<<62)

	p.Start(100, "app.apk")
	p.Update(10)
	p.Update(50)
	p.Finish()

	out := buf.String()
	if !strings.Contains(out, "transfer started") || !strings.Contains(out, "transfer complete") {
		t.Errorf("missing start/finish lines:\n%s", out)
	}
	if strings.Contains(out, "%") {
		t.Errorf("updates were not throttled:\n%s", out)
	}
}

func TestLogProgressReportsPercent(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogProgress(logging.NewLogger(&buf), 0)

	p.Start(200, "app.apk")
	p.Update(50)

	if !strings.Contains(buf.String(), "25.0%") {
		t.Errorf("expected 25.0%% line:\n%s", buf.String())
	}
}

func TestNewQuietIsNoOp(t *testing.T) {
	if _, ok := New(logging.NewNopLogger(), true).(*NoOpProgress); !ok {
		t.Error("New(quiet) did not return a NoOpProgress")
	}
}
