package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inkbrow/capi-relay/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	keyValue    = "value"
	keyCurrency = "currency"
)

// cleanCustomData copies data without nil values, coerces "value" to a
// two-decimal number and upper-cases "currency". It returns nil when
// nothing is left.
func cleanCustomData(data map[string]any, defaultCurrency string) map[string]any {
	out := dropNils(data)

	if raw, ok := out[keyValue]; ok {
		v, err := coerceValue(raw)
		if err != nil {
			logger.Debug("custom_data_value_dropped", "value", fmt.Sprint(raw), "error", err.Error())
			delete(out, keyValue)
		} else {
			out[keyValue] = json.Number(v.StringFixed(2))
		}
	}

	if raw, ok := out[keyCurrency]; ok {
		s, _ := raw.(string)
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			delete(out, keyCurrency)
		} else {
			out[keyCurrency] = s
		}
	}
	if _, hasValue := out[keyValue]; hasValue && defaultCurrency != "" {
		if _, hasCurrency := out[keyCurrency]; !hasCurrency {
			out[keyCurrency] = strings.ToUpper(defaultCurrency)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func dropNils(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch tv := v.(type) {
		case nil:
			continue
		case map[string]any:
			if nested := dropNils(tv); len(nested) > 0 {
				out[k] = nested
			}
		default:
			out[k] = v
		}
	}
	return out
}

// coerceValue reads a monetary amount given as a number or as display text
// such as "R$ 1.234,56" or "$1,234.50".
func coerceValue(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v.Round(2), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidValue, v)
		}
		return d.Round(2), nil
	case float64:
		return decimal.NewFromFloat(v).Round(2), nil
	case float32:
		return decimal.NewFromFloat32(v).Round(2), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return parseAmount(v)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, raw)
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal one.
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(clean, ",") == 1 && len(clean)-lastComma-1 <= 2 {
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastDot >= 0:
		// A lone dot is decimal unless exactly three digits follow it
		// ("R$ 1.500" is fifteen hundred).
		if strings.Count(clean, ".") > 1 || len(clean)-lastDot-1 == 3 {
			clean = strings.ReplaceAll(clean, ".", "")
		}
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return d.Round(2), nil
}
