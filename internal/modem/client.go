// Package modem implements the HTTP client for a Huawei E303/E3372-class
// USB cellular modem's embedded web interface: session handshake, SMS
// send/list/status/health operations, and a circuit breaker guarding all
// four against a wedged or unreachable device.
package modem

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config controls Client construction.
type Config struct {
	BaseURL              string
	RequestTimeout       time.Duration
	SessionTokenTTL      time.Duration
	CircuitFailureThresh int
	CircuitOpenDuration  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SessionTokenTTL <= 0 {
		c.SessionTokenTTL = 5 * time.Minute
	}
	if c.CircuitFailureThresh <= 0 {
		c.CircuitFailureThresh = 5
	}
	if c.CircuitOpenDuration <= 0 {
		c.CircuitOpenDuration = 5 * time.Minute
	}
	return c
}

// Client talks to a single modem over HTTP. It is safe for concurrent use by
// multiple dispatcher/poller/reconciler/monitor goroutines.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client

	sessions *sessionCache
	breaker  *circuitBreaker
}

// NewClient builds a Client from Config.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("modem: parsing base URL: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		host:       u.Host,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		sessions:   newSessionCache(cfg.SessionTokenTTL),
		breaker:    newCircuitBreaker(cfg.CircuitFailureThresh, cfg.CircuitOpenDuration),
	}, nil
}

// SendSMS submits an outbound message to the modem and returns the
// modem-assigned message id on success.
func (cl *Client) SendSMS(ctx context.Context, phone, content string) (string, error) {
	resp, err := cl.do(ctx, func(sess sessionPair) (*genericResponse, error) {
		body := sendSMSRequest{
			Index:    "-1",
			Sca:      "",
			Content:  content,
			Length:   len(content),
			Reserved: "1",
			Date:     time.Now().UTC().Format("2006-01-02 15:04:05"),
		}
		body.Phones.Phone = phone

		raw, err := xml.Marshal(body)
		if err != nil {
			return nil, errParse("marshaling sendSMS request", err)
		}
		raw = append([]byte(xml.Header), raw...)

		return cl.postXML(ctx, "/api/sms/send-sms", raw, sess)
	})
	if err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", errParse("sendSMS response missing message_id", nil)
	}
	return resp.MessageID, nil
}

// ListInbox returns inbound messages from the given box (1 = inbox),
// ordered as the modem returned them.
func (cl *Client) ListInbox(ctx context.Context, boxType int) ([]InboxMessage, error) {
	resp, err := cl.do(ctx, func(sess sessionPair) (*genericResponse, error) {
		reqBody := fmt.Sprintf(
			`<?xml version="1.0" encoding="UTF-8"?><request><PageIndex>1</PageIndex><ReadCount>50</ReadCount><BoxType>%d</BoxType><SortType>0</SortType><Ascending>0</Ascending><UnreadPreferred>0</UnreadPreferred></request>`,
			boxType,
		)
		return cl.postXML(ctx, "/api/sms/sms-list", []byte(reqBody), sess)
	})
	if err != nil {
		return nil, err
	}

	out := make([]InboxMessage, 0, len(resp.Messages.Message))
	for _, m := range resp.Messages.Message {
		idx, err := strconv.Atoi(strings.TrimSpace(m.Index))
		if err != nil {
			return nil, errParse(fmt.Sprintf("inbox message index %q", m.Index), err)
		}
		out = append(out, InboxMessage{
			Index:   idx,
			Phone:   m.Phone,
			Content: m.Content,
			Date:    m.Date,
			Status:  parseDeliveryStatus(m.Status),
		})
	}
	return out, nil
}

// GetStatus looks up the delivery status of a previously sent message.
func (cl *Client) GetStatus(ctx context.Context, modemMessageID string) (DeliveryStatus, error) {
	resp, err := cl.do(ctx, func(sess sessionPair) (*genericResponse, error) {
		reqBody := fmt.Sprintf(
			`<?xml version="1.0" encoding="UTF-8"?><request><MessageId>%s</MessageId></request>`,
			escapeXMLText(modemMessageID),
		)
		return cl.postXML(ctx, "/api/sms/sms-status", []byte(reqBody), sess)
	})
	if err != nil {
		return "", err
	}
	return parseDeliveryStatus(resp.Status), nil
}

// HealthCheck queries signal/network/battery/connection state.
func (cl *Client) HealthCheck(ctx context.Context) (HealthSnapshot, error) {
	resp, err := cl.do(ctx, func(sess sessionPair) (*genericResponse, error) {
		return cl.getXML(ctx, "/api/monitoring/status", sess)
	})
	if err != nil {
		return HealthSnapshot{}, err
	}

	signal, _ := strconv.Atoi(strings.TrimSpace(resp.SignalStrength))
	battery, _ := strconv.Atoi(strings.TrimSpace(resp.BatteryLevel))

	return HealthSnapshot{
		SignalStrength:   signal,
		NetworkType:      resp.NetworkType,
		NetworkName:      resp.NetworkName,
		BatteryLevel:     battery,
		ConnectionStatus: resp.ConnectionStatus,
	}, nil
}

// CircuitState exposes the breaker's current state for the status monitor
// and health endpoint, without requiring a failed call to discover it.
func (cl *Client) CircuitState() (open bool, consecutiveFailures int) {
	state, failures := cl.breaker.snapshot()
	return state == circuitOpen, failures
}

// do wraps every operation with the circuit breaker and session handshake:
// fail fast when open, fetch/reuse the session, invoke op, and record the
// outcome against the breaker.
func (cl *Client) do(ctx context.Context, op func(sessionPair) (*genericResponse, error)) (*genericResponse, error) {
	if !cl.breaker.allow() {
		return nil, errCircuitOpen()
	}

	sess, err := cl.sessions.get(ctx, cl.fetchSession)
	if err != nil {
		cl.breaker.recordFailure()
		return nil, err
	}

	resp, err := op(sess)
	if err != nil {
		cl.breaker.recordFailure()
		return nil, err
	}

	if resp.Code != "" {
		code, convErr := strconv.Atoi(strings.TrimSpace(resp.Code))
		if convErr == nil && code != 0 {
			cl.breaker.recordFailure()
			return nil, errModemCode(code, fmt.Sprintf("modem error code %d", code))
		}
	}

	cl.breaker.recordSuccess()
	return resp, nil
}

func (cl *Client) postXML(ctx context.Context, path string, body []byte, sess sessionPair) (*genericResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errTransport(err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	cl.applyAuthHeaders(req, sess)
	return cl.exchange(req)
}

func (cl *Client) getXML(ctx context.Context, path string, sess sessionPair) (*genericResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cl.baseURL+path, nil)
	if err != nil {
		return nil, errTransport(err)
	}
	cl.applyAuthHeaders(req, sess)
	return cl.exchange(req)
}

func (cl *Client) applyAuthHeaders(req *http.Request, sess sessionPair) {
	req.Header.Set("Cookie", sess.sesInfo)
	req.Header.Set("__RequestVerificationToken", sess.tokInfo)
	req.Host = cl.host
}

func (cl *Client) exchange(req *http.Request) (*genericResponse, error) {
	resp, err := cl.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errTransport(err)
	}
	if resp.StatusCode >= 300 {
		return nil, errHTTP(resp.StatusCode, string(body))
	}

	var parsed genericResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		// An <error> envelope doesn't unmarshal into genericResponse's
		// <response> root; try that shape before giving up.
		var errResp errorResponse
		if xml.Unmarshal(body, &errResp) == nil && errResp.Code != "" {
			code, convErr := strconv.Atoi(strings.TrimSpace(errResp.Code))
			if convErr == nil {
				return nil, errModemCode(code, errResp.Message)
			}
		}
		return nil, errParse("modem response", err)
	}
	return &parsed, nil
}

func classifyTransportError(err error) error {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return errTimeout(err)
	}
	return errTransport(err)
}

func escapeXMLText(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
