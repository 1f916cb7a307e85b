package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMAC is returned when a callback fails authentication.
var ErrInvalidMAC = errors.New("gateway: invalid callback mac")

// Sign returns the lowercase hex HMAC-SHA256 of data under key.
func Sign(key, data string) string {
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(data))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyCallback recomputes the MAC of the raw callback data with key2 and
// compares it in constant time.
func (c *Client) VerifyCallback(data, mac string) bool {
	return verify(c.cfg.Key2, data, mac)
}

func verify(key, data, mac string) bool {
	provided, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(mac)))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(data))
	return hmac.Equal(m.Sum(nil), provided)
}

// Callback is the outer envelope the gateway POSTs to callback_url.
type Callback struct {
	Data string `json:"data"`
	MAC  string `json:"mac"`
	Type int    `json:"type"`
}

// CallbackData is the JSON document carried in Callback.Data.
type CallbackData struct {
	AppID          int    `json:"app_id"`
	AppTransID     string `json:"app_trans_id"`
	AppTime        int64  `json:"app_time"`
	AppUser        string `json:"app_user"`
	Amount         int64  `json:"amount"`
	EmbedData      string `json:"embed_data"`
	Item           string `json:"item"`
	ZPTransID      int64  `json:"zp_trans_id"`
	ServerTime     int64  `json:"server_time"`
	Channel        int    `json:"channel"`
	MerchantUserID string `json:"merchant_user_id"`
	UserFeeAmount  int64  `json:"user_fee_amount"`
	DiscountAmount int64  `json:"discount_amount"`
}

// ParseCallback authenticates the envelope and decodes its data. It
// returns ErrInvalidMAC without decoding anything when the MAC is wrong.
func (c *Client) ParseCallback(cb Callback) (*CallbackData, error) {
	if !c.VerifyCallback(cb.Data, cb.MAC) {
		return nil, ErrInvalidMAC
	}
	var d CallbackData
	if err := json.Unmarshal([]byte(cb.Data), &d); err != nil {
		return nil, fmt.Errorf("gateway: decode callback data: %w", err)
	}
	if d.AppTransID == "" {
		return nil, errors.New("gateway: callback without app_trans_id")
	}
	return &d, nil
}
