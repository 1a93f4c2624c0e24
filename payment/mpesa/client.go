package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wifibilling/utils"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Client talks to the Daraja STK push API. The zero value is not usable,
// build one with NewFromEnv.
type Client struct {
	baseURL     string
	consumerKey string
	secret      string
	shortcode   string
	passkey     string
	callbackURL string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewFromEnv() *Client {
	base := sandboxBaseURL
	if utils.Getenv("MPESA_ENV", "sandbox") == "production" {
		base = productionBaseURL
	}
	return &Client{
		baseURL:     base,
		consumerKey: utils.Getenv("MPESA_CONSUMER_KEY", ""),
		secret:      utils.Getenv("MPESA_CONSUMER_SECRET", ""),
		shortcode:   utils.Getenv("MPESA_SHORTCODE", "174379"),
		passkey:     utils.Getenv("MPESA_PASSKEY", ""),
		callbackURL: utils.Getenv("MPESA_CALLBACK_URL", ""),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a cached OAuth token, refreshing when it is within a minute
// of expiry so an in-flight request never carries a stale one.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-60*time.Second)) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.consumerKey, c.secret)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa oauth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("mpesa oauth: status %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("mpesa oauth: %w", err)
	}

	expiresIn, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return c.accessToken, nil
}

// password is base64(shortcode + passkey + timestamp) per the Daraja spec.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + timestamp))
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush asks the provider to pop a payment prompt on the subscriber's
// phone. amount is truncated to whole shillings, which is all the API takes.
func (c *Client) STKPush(ctx context.Context, phone string, amount float64, accountRef, description string) (*STKPushResponse, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	ts := utils.MpesaTimestamp(time.Now())
	payload := map[string]interface{}{
		"BusinessShortCode": c.shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            int(amount),
		"PartyA":            phone,
		"PartyB":            c.shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.callbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   description,
	}

	var out STKPushResponse
	if err := c.post(ctx, tok, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return &out, fmt.Errorf("stk push rejected: %s", out.ResponseDescription)
	}
	return &out, nil
}

type STKQueryResponse struct {
	ResponseCode        string  `json:"ResponseCode"`
	ResponseDescription string  `json:"ResponseDescription"`
	MerchantRequestID   string  `json:"MerchantRequestID"`
	CheckoutRequestID   string  `json:"CheckoutRequestID"`
	ResultCode          string  `json:"ResultCode"`
	ResultDesc          string  `json:"ResultDesc"`
	MpesaReceiptNumber  string  `json:"MpesaReceiptNumber"`
	Amount              float64 `json:"Amount"`
	PhoneNumber         string  `json:"PhoneNumber"`
}

// STKQuery asks the provider what became of an earlier push. ResultCode "0"
// means paid, "1032" means the subscriber dismissed the prompt, anything
// else is still pending or failed.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	ts := utils.MpesaTimestamp(time.Now())
	payload := map[string]interface{}{
		"BusinessShortCode": c.shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out STKQueryResponse
	if err := c.post(ctx, tok, "/mpesa/stkpushquery/v1/query", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, token, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mpesa %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mpesa %s: status %d: %s", path, resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}
