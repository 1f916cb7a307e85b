// Package gateway talks to a ZaloPay-style payment gateway: it signs order
// creation and status queries with key1 and authenticates inbound
// callbacks with key2.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Gateway return codes shared by create and query responses.
const (
	codeSuccess    = 1
	codeFailed     = 2
	codeProcessing = 3
)

// Status is the domain view of a gateway payment state.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

// Config holds the merchant credentials and endpoints.
type Config struct {
	AppID         int
	Key1          string
	Key2          string
	CreateURL     string
	QueryURL      string
	CallbackURL   string
	BankCode      string
	ExpireSeconds int
	Timeout       time.Duration
	Location      *time.Location
}

// Item is one line of the order's item list.
type Item struct {
	ItemID       string `json:"itemid"`
	ItemName     string `json:"itemname"`
	ItemPrice    int64  `json:"itemprice"`
	ItemQuantity int    `json:"itemquantity"`
}

// OrderRequest describes a payment request for a booking.
type OrderRequest struct {
	TransactionID string
	AppUser       string
	Amount        int64
	Items         []Item
	EmbedData     map[string]interface{}
	Description   string
}

// OrderResult is the gateway's answer to CreateOrder. Accepted is false
// when the gateway answered but declined; Reason then carries its message.
type OrderResult struct {
	Accepted      bool
	RedirectURL   string
	Reason        string
	ReturnCode    int
	SubReturnCode int
	Token         string
}

// QueryResult is the gateway's answer to QueryStatus.
type QueryResult struct {
	Status       Status
	ReturnCode   int
	Message      string
	Amount       int64
	ZPTransID    int64
	IsProcessing bool
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewClient builds a Client. A nil Location means UTC.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ExpireSeconds <= 0 {
		cfg.ExpireSeconds = 900
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewTransactionID returns an app_trans_id of the form YYMMDD_<random>. The
// date prefix uses the gateway's local day.
func (c *Client) NewTransactionID() string {
	c.mu.Lock()
	n := c.rnd.Int63n(1_000_000_000)
	c.mu.Unlock()
	return fmt.Sprintf("%s_%d", c.now().In(c.cfg.Location).Format("060102"), n)
}

// CreateOrder submits a signed order. Transport failures and malformed
// responses are returned as errors; a well-formed decline is returned as
// an OrderResult with Accepted false.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.TransactionID == "" {
		return nil, errors.New("gateway: transaction id is required")
	}
	items := req.Items
	if items == nil {
		items = []Item{}
	}
	itemJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode items: %w", err)
	}
	embed := req.EmbedData
	if embed == nil {
		embed = map[string]interface{}{}
	}
	embedJSON, err := json.Marshal(embed)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode embed_data: %w", err)
	}

	appID := strconv.Itoa(c.cfg.AppID)
	appTime := strconv.FormatInt(c.now().UnixMilli(), 10)
	amount := strconv.FormatInt(req.Amount, 10)
	mac := Sign(c.cfg.Key1, orderMACInput(appID, req.TransactionID, req.AppUser, amount, appTime, string(embedJSON), string(itemJSON)))

	form := url.Values{}
	form.Set("app_id", appID)
	form.Set("app_trans_id", req.TransactionID)
	form.Set("app_user", req.AppUser)
	form.Set("app_time", appTime)
	form.Set("amount", amount)
	form.Set("item", string(itemJSON))
	form.Set("embed_data", string(embedJSON))
	form.Set("description", req.Description)
	form.Set("bank_code", c.cfg.BankCode)
	form.Set("callback_url", c.cfg.CallbackURL)
	form.Set("expire_duration_seconds", strconv.Itoa(c.cfg.ExpireSeconds))
	form.Set("mac", mac)

	var body struct {
		ReturnCode       int    `json:"return_code"`
		ReturnMessage    string `json:"return_message"`
		SubReturnCode    int    `json:"sub_return_code"`
		SubReturnMessage string `json:"sub_return_message"`
		OrderURL         string `json:"order_url"`
		ZPTransToken     string `json:"zp_trans_token"`
	}
	if err := c.post(ctx, c.cfg.CreateURL, form, &body); err != nil {
		return nil, err
	}

	res := &OrderResult{
		Accepted:      body.ReturnCode == codeSuccess,
		RedirectURL:   body.OrderURL,
		ReturnCode:    body.ReturnCode,
		SubReturnCode: body.SubReturnCode,
		Token:         body.ZPTransToken,
	}
	if !res.Accepted {
		res.Reason = body.ReturnMessage
		if body.SubReturnMessage != "" {
			res.Reason += ": " + body.SubReturnMessage
		}
	}
	return res, nil
}

// QueryStatus asks the gateway for the current state of a transaction.
func (c *Client) QueryStatus(ctx context.Context, transactionID string) (*QueryResult, error) {
	appID := strconv.Itoa(c.cfg.AppID)
	form := url.Values{}
	form.Set("app_id", appID)
	form.Set("app_trans_id", transactionID)
	form.Set("mac", Sign(c.cfg.Key1, strings.Join([]string{appID, transactionID, c.cfg.Key1}, "|")))

	var body struct {
		ReturnCode    int    `json:"return_code"`
		ReturnMessage string `json:"return_message"`
		IsProcessing  bool   `json:"is_processing"`
		Amount        int64  `json:"amount"`
		ZPTransID     int64  `json:"zp_trans_id"`
	}
	if err := c.post(ctx, c.cfg.QueryURL, form, &body); err != nil {
		return nil, err
	}
	res := &QueryResult{
		Status:       mapQueryCode(body.ReturnCode),
		ReturnCode:   body.ReturnCode,
		Message:      body.ReturnMessage,
		Amount:       body.Amount,
		ZPTransID:    body.ZPTransID,
		IsProcessing: body.IsProcessing,
	}
	if body.IsProcessing {
		res.Status = StatusPending
	}
	return res, nil
}

// mapQueryCode maps anything that is not an explicit success or failure to
// pending so an unknown code never settles a payment.
func mapQueryCode(code int) Status {
	switch code {
	case codeSuccess:
		return StatusSuccess
	case codeFailed:
		return StatusFailed
	}
	return StatusPending
}

func orderMACInput(appID, transID, appUser, amount, appTime, embed, item string) string {
	return strings.Join([]string{appID, transID, appUser, amount, appTime, embed, item}, "|")
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gateway: read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("gateway: unexpected status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gateway: parse response: %w", err)
	}
	return nil
}
