/*
payload.go - Application payload extraction

PURPOSE:
  Application Data is an opaque JSON-shaped tree owned by the form
  layer. Reflection only reads a narrow, documented slice of it:

    insured_persons: [ {identification..., fields...}, ... ]

  or, when the key is absent, the payload itself is treated as a single
  person entry. Identification keys: insurance_number, personal_number,
  basic_pension_number. All readers are forgiving about JSON number
  representations (float64, json.Number, string).
*/
package reflection

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/benefits-engine/benefit"
)

// insuredPersons extracts the person entries from a payload. A payload
// without an insured_persons array is a single-person application.
func insuredPersons(data map[string]any) []map[string]any {
	if data == nil {
		return nil
	}
	raw, ok := data["insured_persons"]
	if !ok {
		return []map[string]any{data}
	}
	list, ok := raw.([]any)
	if !ok {
		return []map[string]any{data}
	}
	var persons []map[string]any
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			persons = append(persons, m)
		}
	}
	return persons
}

func identificationOf(person map[string]any) benefit.EmployeeIdentification {
	ins, _ := stringField(person, "insurance_number")
	per, _ := stringField(person, "personal_number")
	pen, _ := stringField(person, "basic_pension_number")
	return benefit.EmployeeIdentification{
		InsuranceNumber:    ins,
		PersonalNumber:     per,
		BasicPensionNumber: pen,
	}
}

// identLabel renders the best available identifier for log and skip
// records, in lookup priority order.
func identLabel(ident benefit.EmployeeIdentification) string {
	switch {
	case ident.InsuranceNumber != "":
		return "insurance:" + ident.InsuranceNumber
	case ident.PersonalNumber != "":
		return "personal:" + ident.PersonalNumber
	case ident.BasicPensionNumber != "":
		return "pension:" + ident.BasicPensionNumber
	default:
		return "unidentified"
	}
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func stringsField(m map[string]any, key string) ([]string, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func decimalField(m map[string]any, key string) (decimal.Decimal, bool) {
	v, ok := m[key]
	if !ok {
		return decimal.Zero, false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func intString(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func sameIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
