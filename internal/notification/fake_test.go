package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	notificationdb "github.com/nao1215/marketplace/internal/notification/db"
	"github.com/nao1215/marketplace/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeChannel は送信されたフレームを記録するChannel。
type fakeChannel struct {
	mu      sync.Mutex
	frames  [][]byte
	closes  int
	sendErr error
}

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closes > 0 {
		return &ChannelError{Op: "send", Err: ErrChannelClosed}
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeChannel) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// decodeFrame はフレームをJSONオブジェクトとして解析する。
func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("フレームの解析に失敗: %v: %s", err, frame)
	}
	return m
}

var errStoreDown = errors.New("store is down")

// fakeStore は書き込まれた通知を記録するInserter。
// failuresが残っている間はInsertが失敗する。
type fakeStore struct {
	mu       sync.Mutex
	inserted []*notificationdb.Notification
	calls    int
	failures int
}

func (s *fakeStore) Insert(_ context.Context, n *notificationdb.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errStoreDown
	}
	s.inserted = append(s.inserted, n)
	return nil
}

func (s *fakeStore) snapshot() (calls int, inserted []*notificationdb.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]*notificationdb.Notification(nil), s.inserted...)
}

// fakeDeadLetter は退避された通知を記録するDeadLetter。
type fakeDeadLetter struct {
	mu     sync.Mutex
	put    []*notificationdb.Notification
	causes []error
	err    error
}

func (d *fakeDeadLetter) Put(_ context.Context, n *notificationdb.Notification, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.put = append(d.put, n)
	d.causes = append(d.causes, cause)
	return nil
}

func newTestRegistry() *Registry {
	return NewRegistry(logger.Discard(), nil)
}
