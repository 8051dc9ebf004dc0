package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/nikhilbhutani/docchat/internal/apperr"
)

// classify tags provider errors for the retry layers: rate limits, server
// errors, timeouts and network failures are transient, other 4xx responses
// are permanent. Cancellation is passed through untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err)
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return byStatus(antErr.StatusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(err)
	}
	return err
}

func byStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return apperr.Transient(err)
	case code >= 400:
		return apperr.Permanent(err)
	default:
		return apperr.Transient(err)
	}
}
