package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrefixLevelAndFlush(t *testing.T) {
	var buf syncBuffer
	SetOutput(&buf)
	SetPrefix("test")
	SetLevel("info")

	Infof("hello %d", 1)
	Debugf("hidden")
	LogDuration("fast", time.Now())
	LogDuration("slow", time.Now().Add(-time.Second))
	Errorf("bad %s", "thing")
	Flush(time.Second)

	got := buf.String()
	for _, want := range []string{"[test] hello 1", "[test] ERROR: bad thing", "fn=slow"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	for _, unwanted := range []string{"hidden", "fn=fast"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("unexpected %q in:\n%s", unwanted, got)
		}
	}

	SetLevel("debug")
	Debugf("visible")
	Flush(time.Second)
	if !strings.Contains(buf.String(), "[test] DEBUG: visible") {
		t.Errorf("debug record missing:\n%s", buf.String())
	}
	SetLevel("info")
}
