package espeasy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

type client struct {
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// New returns a client for the unit /json and /control endpoints. A zero
// timeout uses DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.L()
	}
	return &client{
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

func baseURL(host string, port int) url.URL {
	if port == 0 {
		port = 80
	}
	return url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (c *client) get(ctx context.Context, u url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, Classify(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, &model.ConnectivityError{
			Reason: model.ReasonInvalidResponse,
			Err:    fmt.Errorf("unexpected status %d", res.StatusCode),
		}
	}
	return data, nil
}

// FetchStatus issues GET /json. A body that is not JSON or lacks
// System.Uptime is a *model.ProtocolError.
func (c *client) FetchStatus(ctx context.Context, host string, port int) (*model.Status, error) {
	u := baseURL(host, port)
	u.Path = "/json"
	c.logger.Debug("fetching status", zap.String("url", u.String()))

	data, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	return DecodeStatus(data)
}

// DecodeStatus validates and decodes a /json body.
func DecodeStatus(data []byte) (*model.Status, error) {
	status := &model.Status{}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, &model.ProtocolError{Op: "decode status", Raw: truncate(data), Err: err}
	}
	if status.System.Uptime == nil {
		return nil, &model.ProtocolError{Op: "decode status", Raw: truncate(data), Err: errors.New("missing System.Uptime")}
	}
	return status, nil
}

// SendCommand issues GET /control?cmd=<tokens joined by comma>.
// A JSON reply is returned decoded; "?" (uninitialised pin) and "Ok"
// return nil without error; any other text is a *model.ConfigurationError.
func (c *client) SendCommand(ctx context.Context, host string, port int, tokens ...string) (map[string]any, error) {
	u := baseURL(host, port)
	u.Path = "/control"
	u.RawQuery = url.Values{"cmd": []string{strings.Join(tokens, ",")}}.Encode()
	c.logger.Debug("sending command", zap.String("url", u.String()))

	data, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	return DecodeCommandReply(data)
}

func DecodeCommandReply(data []byte) (map[string]any, error) {
	body := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(body, "{"):
		// firmware sometimes appends log text after the object
		stripped := body[:strings.LastIndex(body, "}")+1]
		out := map[string]any{}
		if err := json.Unmarshal([]byte(stripped), &out); err != nil {
			return nil, &model.ProtocolError{Op: "decode command reply", Raw: body, Err: err}
		}
		return out, nil
	case strings.HasPrefix(body, "?"):
		return nil, nil
	case strings.EqualFold(body, "ok"):
		return nil, nil
	default:
		return nil, &model.ConfigurationError{Msg: body}
	}
}

// Classify maps a transport error onto a *model.ConnectivityError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var cerr *model.ConnectivityError
	if errors.As(err, &cerr) {
		return err
	}
	var perr *model.ProtocolError
	if errors.As(err, &perr) {
		return err
	}

	reason := model.ReasonUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		reason = model.ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		reason = model.ReasonTimeout
	case errors.Is(err, syscall.ENETUNREACH):
		reason = model.ReasonNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTDOWN):
		reason = model.ReasonUnreachable
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		reason = model.ReasonConnectionReset
	default:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			reason = model.ReasonUnreachable
		}
	}
	return &model.ConnectivityError{Reason: reason, Err: err}
}

// ReasonOf extracts the offline reason of a fetch error.
func ReasonOf(err error) model.Reason {
	var cerr *model.ConnectivityError
	if errors.As(err, &cerr) {
		return cerr.Reason
	}
	var perr *model.ProtocolError
	if errors.As(err, &perr) {
		return model.ReasonInvalidResponse
	}
	return model.ReasonUnknown
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}
