package dispatch

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/filestoraged/internal/protocol"
	"github.com/adred-codev/filestoraged/internal/storage"
)

// newTestDispatcher starts a dispatcher on a Unix socket in a temp dir and
// returns a dial function plus a stop function. Mirrors cmd/filestoraged's
// own wiring, minus the metrics/resource ambient services.
func newTestDispatcher(t *testing.T, maxFiles int, maxSize int64) (dial func() net.Conn, stop func()) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "filestorage.sock")

	store := storage.New(storage.Config{MaxFileNumber: maxFiles, MaxSize: maxSize}, zerolog.Nop())
	disp, err := New(socketPath, 16, 4, 1000, 1000, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New dispatcher: %v", err)
	}
	go disp.Run()

	dial = func() net.Conn {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}
	stop = func() {
		disp.RequestHardExit()
		select {
		case <-disp.Stopped():
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop after RequestHardExit")
		}
	}
	return dial, stop
}

func sendOpen(t *testing.T, conn net.Conn, path string, flags storage.OpenFlag) protocol.ResponseCode {
	t.Helper()
	if err := protocol.WriteFull(conn, []byte{byte(protocol.OpenFile)}); err != nil {
		t.Fatalf("write open code: %v", err)
	}
	if err := protocol.WritePath(conn, path); err != nil {
		t.Fatalf("write path: %v", err)
	}
	if err := protocol.WriteFlags(conn, byte(flags)); err != nil {
		t.Fatalf("write flags: %v", err)
	}
	return readResponseCode(t, conn)
}

func sendWrite(t *testing.T, conn net.Conn, path string, body []byte) protocol.ResponseCode {
	t.Helper()
	if err := protocol.WriteFull(conn, []byte{byte(protocol.WriteFile)}); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := protocol.WritePath(conn, path); err != nil {
		t.Fatalf("write path: %v", err)
	}
	if err := protocol.WritePayload(conn, body); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	code := readResponseCode(t, conn)
	if code == protocol.RespOK {
		drainEvictedStream(t, conn)
	}
	return code
}

func sendRead(t *testing.T, conn net.Conn, path string) (protocol.ResponseCode, []byte) {
	t.Helper()
	if err := protocol.WriteFull(conn, []byte{byte(protocol.ReadFile)}); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := protocol.WritePath(conn, path); err != nil {
		t.Fatalf("write path: %v", err)
	}
	code := readResponseCode(t, conn)
	if code != protocol.RespOK {
		return code, nil
	}
	body, err := protocol.ReadPayload(conn)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return code, body
}

func sendLock(t *testing.T, conn net.Conn, path string) protocol.ResponseCode {
	t.Helper()
	if err := protocol.WriteFull(conn, []byte{byte(protocol.LockFile)}); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := protocol.WritePath(conn, path); err != nil {
		t.Fatalf("write path: %v", err)
	}
	return readResponseCode(t, conn)
}

func sendUnlock(t *testing.T, conn net.Conn, path string) protocol.ResponseCode {
	t.Helper()
	if err := protocol.WriteFull(conn, []byte{byte(protocol.UnlockFile)}); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := protocol.WritePath(conn, path); err != nil {
		t.Fatalf("write path: %v", err)
	}
	return readResponseCode(t, conn)
}

func readResponseCode(t *testing.T, conn net.Conn) protocol.ResponseCode {
	t.Helper()
	var buf [1]byte
	if err := protocol.ReadFull(conn, buf[:]); err != nil {
		t.Fatalf("read response code: %v", err)
	}
	return protocol.ResponseCode(buf[0])
}

func drainEvictedStream(t *testing.T, conn net.Conn) {
	t.Helper()
	for {
		n, err := protocol.ReadLen(conn)
		if err != nil {
			t.Fatalf("read evicted-stream length: %v", err)
		}
		if n == 0 {
			return
		}
		buf := make([]byte, n)
		if err := protocol.ReadFull(conn, buf); err != nil {
			t.Fatalf("read evicted path: %v", err)
		}
		size, err := protocol.ReadLen(conn)
		if err != nil {
			t.Fatalf("read evicted content length: %v", err)
		}
		content := make([]byte, size)
		if size > 0 {
			if err := protocol.ReadFull(conn, content); err != nil {
				t.Fatalf("read evicted content: %v", err)
			}
		}
	}
}

func TestEndToEndOpenWriteRead(t *testing.T) {
	dial, stop := newTestDispatcher(t, 10, 1024)
	defer stop()

	conn := dial()
	defer conn.Close()

	if code := sendOpen(t, conn, "/greeting", storage.OCreate|storage.OLock); code != protocol.RespOK {
		t.Fatalf("open: %v", code)
	}
	if code := sendWrite(t, conn, "/greeting", []byte("hello socket")); code != protocol.RespOK {
		t.Fatalf("write: %v", code)
	}
	code, body := sendRead(t, conn, "/greeting")
	if code != protocol.RespOK {
		t.Fatalf("read: %v", code)
	}
	if string(body) != "hello socket" {
		t.Fatalf("read body = %q, want %q", body, "hello socket")
	}
}

func TestEndToEndLockParksThenGrantsOnUnlock(t *testing.T) {
	dial, stop := newTestDispatcher(t, 10, 1024)
	defer stop()

	c1, c2 := dial(), dial()
	defer c1.Close()
	defer c2.Close()

	if code := sendOpen(t, c1, "/shared", storage.OCreate|storage.OLock); code != protocol.RespOK {
		t.Fatalf("c1 open: %v", code)
	}
	if code := sendOpen(t, c2, "/shared", 0); code != protocol.RespOK {
		t.Fatalf("c2 open: %v", code)
	}

	// c2's lockFile parks: it must not see a response until c1 unlocks.
	lockDone := make(chan protocol.ResponseCode, 1)
	go func() { lockDone <- sendLock(t, c2, "/shared") }()

	select {
	case code := <-lockDone:
		t.Fatalf("c2 lock returned early with %v, want it parked", code)
	case <-time.After(100 * time.Millisecond):
	}

	if code := sendUnlock(t, c1, "/shared"); code != protocol.RespOK {
		t.Fatalf("c1 unlock: %v", code)
	}

	select {
	case code := <-lockDone:
		if code != protocol.RespOK {
			t.Fatalf("c2 lock grant = %v, want OK", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("c2 lock was never granted after c1 unlocked")
	}
}

func TestEndToEndDisconnectReapsLockAndGrantsNext(t *testing.T) {
	dial, stop := newTestDispatcher(t, 10, 1024)
	defer stop()

	c1, c2 := dial(), dial()
	defer c2.Close()

	if code := sendOpen(t, c1, "/crashy", storage.OCreate|storage.OLock); code != protocol.RespOK {
		t.Fatalf("c1 open: %v", code)
	}
	if code := sendOpen(t, c2, "/crashy", 0); code != protocol.RespOK {
		t.Fatalf("c2 open: %v", code)
	}

	lockDone := make(chan protocol.ResponseCode, 1)
	go func() { lockDone <- sendLock(t, c2, "/crashy") }()
	time.Sleep(50 * time.Millisecond)

	c1.Close() // simulate a crash: c1 never sends unlockFile

	select {
	case code := <-lockDone:
		if code != protocol.RespOK {
			t.Fatalf("c2 lock grant after c1 crash = %v, want OK", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("c2 lock was never granted after c1 disconnected")
	}
}

func TestEndToEndReadForbiddenWithoutOpen(t *testing.T) {
	dial, stop := newTestDispatcher(t, 10, 1024)
	defer stop()

	c1, c2 := dial(), dial()
	defer c1.Close()
	defer c2.Close()

	if code := sendOpen(t, c1, "/private", storage.OCreate|storage.OLock); code != protocol.RespOK {
		t.Fatalf("c1 open: %v", code)
	}
	if code := sendWrite(t, c1, "/private", []byte("secret")); code != protocol.RespOK {
		t.Fatalf("c1 write: %v", code)
	}
	if code, _ := sendRead(t, c2, "/private"); code != protocol.RespForbidden {
		t.Fatalf("c2 read without open: %v, want RespForbidden", code)
	}
}
