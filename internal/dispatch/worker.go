package dispatch

import (
	"errors"
	"io"
	"time"

	"github.com/adred-codev/filestoraged/internal/metrics"
	"github.com/adred-codev/filestoraged/internal/protocol"
	"github.com/adred-codev/filestoraged/internal/storage"
)

// runWorker implements spec.md §4.5: dequeue a descriptor, on sentinel
// exit, otherwise service exactly one request (or handle a disconnect)
// and hand the descriptor back unless the request parked.
func (d *Dispatcher) runWorker() {
	for {
		item, ok := d.ready.Dequeue()
		if !ok || item == nil {
			return
		}
		ri := item.(*readyItem)
		metrics.SetQueueDepth(d.ready.Len())
		metrics.IncWorkersBusy()

		if ri.peekErr != nil {
			d.handleDisconnect(ri.client)
		} else {
			d.handleRequest(ri.client)
		}
		metrics.DecWorkersBusy()
		metrics.PublishStorage(d.store.Stats())
	}
}

// handleDisconnect implements the peer-closed branch of §4.5: user_exit,
// close, notify any clients newly granted a lock, and report the
// disconnect to the master.
func (d *Dispatcher) handleDisconnect(c *Client) {
	grants := d.store.UserExit(c)
	c.Close()
	for _, g := range grants {
		if holder, ok := g.NewHolder.(*Client); ok {
			metrics.DecParkedLockers()
			writeOK(holder)
			d.returnClient(holder, false)
		}
	}
	d.returnClient(c, true)
}

// handleRequest decodes and services exactly one request frame.
func (d *Dispatcher) handleRequest(c *Client) {
	start := time.Now()
	code, err := protocol.ReadRequestCode(c.r)
	if err != nil {
		// The readiness watcher already confirmed a byte was available;
		// a failure reading it now means the peer raced us into closing.
		d.handleDisconnect(c)
		return
	}

	req, err := protocol.ReadRequest(c.r, code)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.handleDisconnect(c)
			return
		}
		// Malformed framing leaves the stream position unrecoverable:
		// respond BAD_REQUEST, then treat the connection as unusable.
		_ = protocol.WriteResponseCode(c, protocol.RespBadRequest)
		metrics.RecordRequest(opName(code), "BAD_REQUEST", time.Since(start))
		d.handleDisconnect(c)
		return
	}

	parked, outcome := d.dispatchOp(c, req)
	metrics.RecordRequest(opName(code), outcome, time.Since(start))
	if !parked {
		d.returnClient(c, false)
	}
}

// dispatchOp invokes the matching storage operation and writes the
// response, returning the outcome label for metrics. parked is true only
// for a lockFile request that parked, which must NOT have its descriptor
// returned to the dispatcher.
func (d *Dispatcher) dispatchOp(c *Client, req protocol.Request) (parked bool, outcome string) {
	switch req.Code {
	case protocol.OpenFile:
		mustNotify, err := d.store.Open(req.Path, storage.OpenFlag(req.Flags), c)
		d.notifyAllFileNotFound(mustNotify)
		return false, writeResult(c, err)

	case protocol.ReadFile:
		body, err := d.store.Read(req.Path, c)
		if err != nil {
			return false, writeResult(c, err)
		}
		_ = protocol.WriteResponseCode(c, protocol.RespOK)
		_ = protocol.WritePayload(c, body)
		return false, "OK"

	case protocol.ReadNFiles:
		entries, err := d.store.ReadMany(int(req.N), c)
		if err != nil {
			return false, writeResult(c, err)
		}
		_ = protocol.WriteResponseCode(c, protocol.RespOK)
		_ = protocol.WriteEvictedStream(c, toFileBlocks(entries))
		return false, "OK"

	case protocol.WriteFile:
		evicted, mustNotify, err := d.store.Write(req.Path, req.Body, c)
		d.notifyAllFileNotFound(mustNotify)
		if err != nil {
			return false, writeResult(c, err)
		}
		_ = protocol.WriteResponseCode(c, protocol.RespOK)
		_ = protocol.WriteEvictedStream(c, toEvictedBlocks(evicted))
		return false, "OK"

	case protocol.AppendToFile:
		evicted, mustNotify, err := d.store.Append(req.Path, req.Body, c)
		d.notifyAllFileNotFound(mustNotify)
		if err != nil {
			return false, writeResult(c, err)
		}
		_ = protocol.WriteResponseCode(c, protocol.RespOK)
		_ = protocol.WriteEvictedStream(c, toEvictedBlocks(evicted))
		return false, "OK"

	case protocol.LockFile:
		lockOutcome, err := d.store.Lock(req.Path, c)
		if err != nil {
			return false, writeResult(c, err)
		}
		if lockOutcome == storage.LockParked {
			metrics.IncParkedLockers()
			return true, "PARKED"
		}
		writeOK(c)
		return false, "OK"

	case protocol.UnlockFile:
		newHolder, err := d.store.Unlock(req.Path, c)
		if err != nil {
			return false, writeResult(c, err)
		}
		writeOK(c)
		if holder, ok := newHolder.(*Client); ok {
			metrics.DecParkedLockers()
			writeOK(holder)
			d.returnClient(holder, false)
		}
		return false, "OK"

	case protocol.CloseFile:
		err := d.store.Close(req.Path, c)
		return false, writeResult(c, err)

	case protocol.RemoveFile:
		mustNotify, err := d.store.Remove(req.Path, c)
		if err != nil {
			return false, writeResult(c, err)
		}
		writeOK(c)
		d.notifyAllFileNotFound(mustNotify)
		return false, "OK"

	default:
		_ = protocol.WriteResponseCode(c, protocol.RespBadRequest)
		return false, "BAD_REQUEST"
	}
}

// notifyAllFileNotFound notifies every handle in handles, each always a
// client whose lockFile request was parked on a file that has just been
// evicted or removed out from under it.
func (d *Dispatcher) notifyAllFileNotFound(handles []storage.ClientHandle) {
	for _, h := range handles {
		if c, ok := h.(*Client); ok {
			metrics.DecParkedLockers()
			writeFileNotFound(c)
			d.returnClient(c, false)
		}
	}
}

// writeResult writes OK or the error's mapped response code and returns
// the metrics outcome label.
func writeResult(w *Client, err error) string {
	if err == nil {
		writeOK(w)
		return "OK"
	}
	code := responseCodeFor(err)
	_ = protocol.WriteResponseCode(w, code)
	return outcomeName(code)
}

func writeOK(w *Client)           { _ = protocol.WriteResponseCode(w, protocol.RespOK) }
func writeFileNotFound(w *Client) { _ = protocol.WriteResponseCode(w, protocol.RespFileNotFound) }

func outcomeName(code protocol.ResponseCode) string {
	switch code {
	case protocol.RespOK:
		return "OK"
	case protocol.RespFileNotFound:
		return "FILE_NOT_FOUND"
	case protocol.RespAlreadyExists:
		return "ALREADY_EXISTS"
	case protocol.RespNoContent:
		return "NO_CONTENT"
	case protocol.RespForbidden:
		return "FORBIDDEN"
	case protocol.RespOutOfMemory:
		return "OUT_OF_MEMORY"
	case protocol.RespBadRequest:
		return "BAD_REQUEST"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

func responseCodeFor(err error) protocol.ResponseCode {
	switch storage.KindOf(err) {
	case storage.KindNotFound:
		return protocol.RespFileNotFound
	case storage.KindAlreadyExists:
		return protocol.RespAlreadyExists
	case storage.KindNoContent:
		return protocol.RespNoContent
	case storage.KindForbidden:
		return protocol.RespForbidden
	case storage.KindCapacityExceeded:
		return protocol.RespOutOfMemory
	case storage.KindMalformed:
		return protocol.RespBadRequest
	default:
		return protocol.RespInternalServerError
	}
}

func toFileBlocks(entries []storage.ReadEntry) []protocol.FileBlock {
	blocks := make([]protocol.FileBlock, len(entries))
	for i, e := range entries {
		blocks[i] = protocol.FileBlock{Path: e.Pathname, Content: e.Content}
	}
	return blocks
}

func toEvictedBlocks(evicted []storage.Evicted) []protocol.FileBlock {
	blocks := make([]protocol.FileBlock, len(evicted))
	for i, e := range evicted {
		blocks[i] = protocol.FileBlock{Path: e.Pathname, Content: e.Content}
	}
	return blocks
}

func opName(code protocol.RequestCode) string {
	switch code {
	case protocol.OpenFile:
		return "openFile"
	case protocol.ReadFile:
		return "readFile"
	case protocol.ReadNFiles:
		return "readNFiles"
	case protocol.WriteFile:
		return "writeFile"
	case protocol.AppendToFile:
		return "appendToFile"
	case protocol.LockFile:
		return "lockFile"
	case protocol.UnlockFile:
		return "unlockFile"
	case protocol.CloseFile:
		return "closeFile"
	case protocol.RemoveFile:
		return "removeFile"
	default:
		return "unknown"
	}
}
