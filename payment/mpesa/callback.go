package mpesa

import (
	"encoding/json"
	"strconv"
)

// CallbackEnvelope is the webhook body Daraja posts after an STK push
// resolves. The interesting fields hide under Body.stkCallback.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// Receipt digs the receipt number out of the metadata items. Present only on
// success.
func (c *StkCallback) Receipt() string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Amount returns the paid amount from the metadata items, 0 when absent.
func (c *StkCallback) Amount() float64 {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "Amount" {
			switch v := item.Value.(type) {
			case float64:
				return v
			case json.Number:
				f, _ := v.Float64()
				return f
			}
		}
	}
	return 0
}

// Phone returns the payer's number from the metadata items. Daraja sends it
// as a bare number, not a string.
func (c *StkCallback) Phone() string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "PhoneNumber" {
			switch v := item.Value.(type) {
			case string:
				return v
			case float64:
				return strconv.FormatInt(int64(v), 10)
			}
		}
	}
	return ""
}
