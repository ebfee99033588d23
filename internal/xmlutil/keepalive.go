package xmlutil

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
)

// KeepAliveWriter holds a long-running XML response open. If the result is
// not ready within the interval, it commits status 200, sends the XML
// declaration and then a single space on every further interval so that
// clients and proxies do not time out. Whitespace before the root element
// is valid XML, so the final document still parses.
//
// Once padding has started the status can no longer change: an error is
// then rendered as an Error document inside the 200 response, as S3 does
// for CompleteMultipartUpload.
type KeepAliveWriter struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	interval time.Duration

	mu       sync.Mutex
	started  bool
	finished bool
	stop     chan struct{}
	done     chan struct{}
}

// StartKeepAlive begins watching the response. The caller must call Finish
// or FinishError exactly once.
func StartKeepAlive(w http.ResponseWriter, interval time.Duration) *KeepAliveWriter {
	k := &KeepAliveWriter{
		w:        w,
		rc:       http.NewResponseController(w),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if interval <= 0 {
		close(k.done)
		return k
	}
	go k.run()
	return k
}

func (k *KeepAliveWriter) run() {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			if err := k.pad(); err != nil {
				slog.Debug("keep-alive padding failed", "error", err)
				return
			}
		}
	}
}

func (k *KeepAliveWriter) pad() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.finished {
		return nil
	}
	if !k.started {
		k.w.Header().Set("Content-Type", "application/xml")
		k.w.WriteHeader(http.StatusOK)
		k.started = true
		if _, err := io.WriteString(k.w, xmlHeader); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(k.w, " "); err != nil {
		return err
	}
	return k.rc.Flush()
}

// Started reports whether padding has committed the response.
func (k *KeepAliveWriter) Started() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.started
}

func (k *KeepAliveWriter) halt() bool {
	k.mu.Lock()
	k.finished = true
	started := k.started
	k.mu.Unlock()
	select {
	case <-k.stop:
	default:
		close(k.stop)
	}
	<-k.done
	return started
}

// Finish stops the padding and writes v. status applies only when no
// padding was sent.
func (k *KeepAliveWriter) Finish(status int, v any) {
	if !k.halt() {
		writeXML(k.w, status, v)
		return
	}
	encodeBody(k.w, v)
}

// FinishError stops the padding and renders s3Err, in the 200 body when
// padding already committed the status.
func (k *KeepAliveWriter) FinishError(r *http.Request, s3Err *s3err.S3Error) {
	if !k.halt() {
		WriteErrorResponse(k.w, r, s3Err)
		return
	}
	encodeBody(k.w, NewErrorResponse(s3Err, r.URL.Path, k.w.Header().Get("x-amz-request-id")))
}
