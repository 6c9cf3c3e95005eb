package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// classifyGoogleErr maps Gemini transport errors onto the retry taxonomy:
// 429 / RESOURCE_EXHAUSTED become *core.RateLimitError carrying the server
// hint, 5xx / UNAVAILABLE become transient. Everything else is returned as is.
func classifyGoogleErr(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return &core.RateLimitError{RetryAfter: parseRetryAfter(gerr.Header), Err: err}
		case gerr.Code >= 500:
			return core.Transient(err)
		}
		return err
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return &core.RateLimitError{RetryAfter: grpcRetryDelay(st), Err: err}
		case codes.Unavailable, codes.Internal, codes.Aborted:
			return core.Transient(err)
		case codes.DeadlineExceeded:
			return errors.Join(context.DeadlineExceeded, err)
		}
	}
	return classifyNetErr(err)
}

func grpcRetryDelay(st *status.Status) time.Duration {
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			return ri.GetRetryDelay().AsDuration()
		}
	}
	return 0
}

// classifyNetErr marks connection-level failures transient.
func classifyNetErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return errors.Join(context.DeadlineExceeded, err)
		}
		return core.Transient(err)
	}
	var oerr *net.OpError
	if errors.As(err, &oerr) {
		return core.Transient(err)
	}
	return err
}

// parseRetryAfter reads Retry-After (seconds or HTTP date) and the
// millisecond variant some providers send.
func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if ms := h.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(ra, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
