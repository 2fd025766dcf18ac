package daraja

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	ResultSuccess       = 0
	ResultUserCancelled = 1032
)

// Code is a Daraja result code. The callback sends it as a number, the
// status query as a string.
type Code int

func (c *Code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*c = 0
		return fmt.Errorf("empty result code")
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("result code %q: %w", s, err)
	}
	*c = Code(i)
	return nil
}

// CallbackResult is the normalized STK callback. Metadata fields are nil when absent.
type CallbackResult struct {
	ResultCode        int
	ResultDesc        string
	CheckoutRequestID string
	MerchantRequestID string

	Amount          *int
	ReceiptNumber   *string
	TransactionDate *string
	Phone           *string
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *Code  `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// DecodeCallback parses the body Daraja posts to the callback URL.
func DecodeCallback(body []byte) (CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return CallbackResult{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if cb.ResultCode == nil {
		return CallbackResult{}, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}

	out := CallbackResult{
		ResultCode:        int(*cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
	}
	if out.ResultCode != ResultSuccess || cb.CallbackMetadata == nil {
		return out, nil
	}

	for _, it := range cb.CallbackMetadata.Item {
		v, ok := scalar(it.Value)
		if !ok {
			continue
		}
		switch it.Name {
		case "Amount":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				a := int(math.Round(f))
				out.Amount = &a
			}
		case "MpesaReceiptNumber":
			out.ReceiptNumber = &v
		case "TransactionDate":
			out.TransactionDate = &v
		case "PhoneNumber":
			out.Phone = &v
		}
	}
	return out, nil
}

// scalar renders a JSON string or number as text, keeping large integers
// such as 254708374149 exact.
func scalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
