package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/market-publish/internal/logging"
)

// IdempotentRetryPolicy retries only GET and HEAD requests, using the
// retryablehttp default rules (connection errors, 429, 5xx except 501).
//
// Session creation, chunk writes and release calls are never retried here:
// repeating them creates duplicate server-side state, so a failure has to
// surface to the caller, who starts the workflow over.
func IdempotentRetryPolicy(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	switch requestMethod(resp, err) {
	case nethttp.MethodGet, nethttp.MethodHead:
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	default:
		return false, nil
	}
}

// requestMethod recovers the HTTP method of the attempt. Without a response
// the only trace of the request is the *url.Error op ("Get", "Post", ...).
func requestMethod(resp *nethttp.Response, err error) string {
	if resp != nil && resp.Request != nil {
		return resp.Request.Method
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return strings.ToUpper(urlErr.Op)
	}
	return ""
}

// retryLogger implements the retryablehttp.LeveledLogger interface on top of
// the CLI logger.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
