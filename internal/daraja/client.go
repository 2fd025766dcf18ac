// Package daraja talks to Safaricom's Daraja API: OAuth token, STK push and
// STK push status query. It keeps no local state.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	TransactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"
)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	Environment    string
	CallbackURL    string
	Timeout        time.Duration
	BaseURL        string // overrides Environment when set
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Environment == "production" {
		return ProductionURL
	}
	return SandboxURL
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		now:  time.Now,
	}
}

// WithClock swaps the clock used for the password timestamp.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// CallbackURL is the configured callback override, possibly empty.
func (c *Client) CallbackURL() string { return c.cfg.CallbackURL }

type PushRequest struct {
	Phone       string
	Amount      int
	Reference   string
	Description string
	CallbackURL string
}

type PushResponse struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CustomerMessage     string          `json:"CustomerMessage"`
	Raw                 json.RawMessage `json:"-"`
}

type StatusResult struct {
	ResultCode   Code
	ResultDesc   string
	ResponseDesc string
	Raw          json.RawMessage
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

func (c *Client) timestamp() string { return c.now().Format(timestampLayout) }

// AccessToken runs the client-credentials exchange. Any failure wraps ErrTokenUnavailable.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.baseURL()+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrTokenUnavailable, resp.StatusCode, bytes.TrimSpace(body))
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrTokenUnavailable, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenUnavailable)
	}
	return out.AccessToken, nil
}

// InitiatePush sends an STK push. The password timestamp is fresh on every call.
func (c *Client) InitiatePush(ctx context.Context, in PushRequest) (PushResponse, error) {
	ts := c.timestamp()
	payload := pushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionType,
		Amount:            in.Amount,
		PartyA:            in.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       in.Phone,
		CallBackURL:       in.CallbackURL,
		AccountReference:  in.Reference,
		TransactionDesc:   in.Description,
	}

	body, err := c.post(ctx, "initiate", pushPath, payload)
	if err != nil {
		return PushResponse{}, err
	}
	var out PushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return PushResponse{}, &Error{Op: "initiate", Message: "decode response: " + err.Error(), Raw: body}
	}
	out.Raw = body
	if out.CheckoutRequestID == "" {
		return out, errorFromBody("initiate", 0, body)
	}
	return out, nil
}

// QueryStatus asks Daraja for the current state of a push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error) {
	ts := c.timestamp()
	payload := queryPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	body, err := c.post(ctx, "query", queryPath, payload)
	if err != nil {
		return StatusResult{}, err
	}
	var in struct {
		ResultCode   *Code  `json:"ResultCode"`
		ResultDesc   string `json:"ResultDesc"`
		ResponseDesc string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return StatusResult{}, &Error{Op: "query", Message: "decode response: " + err.Error(), Raw: body}
	}
	if in.ResultCode == nil {
		return StatusResult{}, errorFromBody("query", 0, body)
	}
	return StatusResult{
		ResultCode:   *in.ResultCode,
		ResultDesc:   in.ResultDesc,
		ResponseDesc: in.ResponseDesc,
		Raw:          body,
	}, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, &Error{Op: op, Message: "could not get access token", Err: err}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Op: op, Message: err.Error(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.baseURL()+path, bytes.NewReader(b))
	if err != nil {
		return nil, &Error{Op: op, Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromBody(op, resp.StatusCode, body)
	}
	return body, nil
}
