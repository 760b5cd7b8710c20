package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/GriffinCanCode/sandbox/internal/codec"
)

const maxPrintDepth = 64

// printResult writes v as indented JSON. Functions print as their source
// and patterns as literals.
func printResult(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(printable(v, 0), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printable(v any, depth int) any {
	if depth > maxPrintDepth {
		return "[Circular]"
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = printable(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = printable(item, depth+1)
		}
		return out
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return strconv.FormatFloat(t, 'g', -1, 64)
		}
		return t
	case *codec.Pattern:
		return t.String()
	case error:
		return t.Error()
	}
	if codec.IsFunction(v) {
		if s, ok := v.(codec.Sourcer); ok && s.Source() != "" {
			return s.Source()
		}
		return "[Function]"
	}
	return v
}

// waitHealthy polls the worker's health endpoint until it answers
func waitHealthy(ctx context.Context, endpoint string, timeout time.Duration) error {
	healthURL, err := healthURL(endpoint)
	if err != nil {
		return err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("worker at %s is not healthy: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker at %s is not healthy: %s", endpoint, resp.Status)
	}
	return nil
}

// healthURL maps ws://host/sandbox to http://host/health
func healthURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}
