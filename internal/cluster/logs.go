package cluster

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

const maxLogLine = 1024 * 1024

func logOptions(tail int, follow bool) container.LogsOptions {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	return opts
}

// demux converts a multiplexed log body into a plain line reader.
func demux(rc io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = rc.Close()
		_ = pw.CloseWithError(err)
	}()
	return pr
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	return scanner
}

// ServiceLogs returns up to tail decoded lines from the service.
func (c *Client) ServiceLogs(ctx context.Context, serviceID string, tail int) ([]string, error) {
	rc, err := c.engine.ServiceLogs(ctx, serviceID, logOptions(tail, false))
	if err != nil {
		return nil, apiError("service logs", err)
	}
	body := demux(rc)
	defer body.Close()

	lines := make([]string, 0)
	scanner := newScanner(body)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return lines, apiError("read service logs", err)
	}
	return lines, nil
}

// StreamServiceLogs follows the service log. The line channel closes when the
// stream ends or ctx is cancelled; a non-nil terminal error is sent on the
// error channel first.
func (c *Client) StreamServiceLogs(ctx context.Context, serviceID string, tail int) (<-chan string, <-chan error, error) {
	rc, err := c.engine.ServiceLogs(ctx, serviceID, logOptions(tail, true))
	if err != nil {
		return nil, nil, apiError("stream service logs", err)
	}
	body := demux(rc)
	lines := make(chan string)
	errs := make(chan error, 1)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(done)
		defer close(lines)
		defer close(errs)
		defer body.Close()
		scanner := newScanner(body)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimRight(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, io.ErrClosedPipe) {
			errs <- apiError("stream service logs", err)
		}
	}()
	return lines, errs, nil
}
