package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the raw alert body. Numeric fields accept JSON numbers or numeric strings.
type Payload struct {
	Secret     string `json:"secret"`
	Action     string `json:"action"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   any    `json:"quantity"`
	Price      any    `json:"price"`
	OrderType  string `json:"order_type"`
	TakeProfit any    `json:"take_profit"`
	StopLoss   any    `json:"stop_loss"`
	Comment    string `json:"comment"`
	CloseAll   any    `json:"close_all"`
	AlertID    string `json:"alert_id"`
}

// DecodePayload parses an alert body keeping numbers as json.Number.
func DecodePayload(body []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// extractFloat converts a decoded scalar into float64. ok is false for absent or empty values.
func extractFloat(val any) (f float64, ok bool, err error) {
	switch v := val.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return v, true, nil
	case json.Number:
		f, err = v.Float64()
		return f, err == nil, err
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, false, nil
		}
		f, err = strconv.ParseFloat(v, 64)
		return f, err == nil, err
	default:
		return 0, false, fmt.Errorf("unsupported numeric type %T", val)
	}
}

func extractBool(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case json.Number:
		return v.String() != "0"
	default:
		return false
	}
}
