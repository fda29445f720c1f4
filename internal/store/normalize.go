package store

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	headerCharsRe = regexp.MustCompile(`[^0-9a-zA-Z_]`)
	numericRe     = regexp.MustCompile(`^\$?(-?\d{1,3}(?:[, ]\d{3})*(?:\.\d+)?|-?\d+(?:\.\d+)?)([kKmMbB])?$`)
	isoDateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([ T]\d{2}:\d{2}:\d{2}(\.\d+)?)?$`)
	quarterRe     = regexp.MustCompile(`(?i)(?:^|[\s_])q([1-4])(?:[\s_]|$)`)
	bareNumberRe  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	nonNumericRe  = regexp.MustCompile(`[^\d.\-]`)
)

// NormalizeHeader converts a raw table header to a snake_case identifier.
// Empty or fully-stripped headers become "col".
func NormalizeHeader(h string) string {
	s := whitespaceRe.ReplaceAllString(strings.TrimSpace(h), "_")
	s = headerCharsRe.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	if s == "" {
		return "col"
	}
	return s
}

// CoerceValue normalizes a raw cell value to a typed one. Numeric-looking
// strings (including "$1.2M", "1,234.56", "2.5k") become float64, empty
// strings become nil, everything else stays a string.
func CoerceValue(v any) any {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil
	}
	if m := numericRe.FindStringSubmatch(s); m != nil {
		numStr := strings.NewReplacer(",", "", " ", "").Replace(m[1])
		num, err := strconv.ParseFloat(numStr, 64)
		if err == nil {
			switch m[2] {
			case "k", "K":
				num *= 1e3
			case "m", "M":
				num *= 1e6
			case "b", "B":
				num *= 1e9
			}
			return num
		}
	}
	return s
}

// AsNumber attempts a tolerant numeric read of a stored cell value.
// Used by the executor so aggregates can skip non-numeric cells while
// still accepting numbers that survived ingestion as strings.
func AsNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		return 0, false
	case string:
		s := nonNumericRe.ReplaceAllString(strings.ReplaceAll(x, ",", ""), "")
		if !bareNumberRe.MatchString(s) {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

var monthTokens = []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}

func looksLikeNumber(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	s2 := nonNumericRe.ReplaceAllString(strings.ReplaceAll(s, ",", ""), "")
	return bareNumberRe.MatchString(s2)
}

func looksLikeDate(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if isoDateRe.MatchString(s) {
		return true
	}
	low := strings.ToLower(s)
	for _, m := range monthTokens {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

var temporalNameTokens = []string{"date", "year", "month", "quarter", "week", "day"}

// InferColumnKinds classifies each column as number, temporal, period_qN or
// text, based on the header name first and sampled values second.
func InferColumnKinds(headers []string, samples []map[string]any) []Column {
	cols := make([]Column, len(headers))
	for i, h := range headers {
		cols[i] = Column{Name: h, Kind: inferKind(h, samples)}
	}
	return cols
}

func inferKind(header string, samples []map[string]any) ColumnKind {
	name := strings.ToLower(header)
	if m := quarterRe.FindStringSubmatch(name); m != nil {
		return ColumnKind("period_q" + m[1])
	}
	for _, t := range temporalNameTokens {
		if strings.Contains(name, t) {
			return KindTemporal
		}
	}

	var vals []string
	for _, r := range samples {
		if len(vals) >= 8 {
			break
		}
		v, ok := r[header]
		if !ok || v == nil {
			continue
		}
		if _, isNum := AsNumber(v); isNum {
			vals = append(vals, "0") // numeric marker
			continue
		}
		vals = append(vals, asString(v))
	}
	if len(vals) == 0 {
		return KindText
	}

	allNumeric := true
	dateLike := 0
	for _, v := range vals {
		if !looksLikeNumber(v) {
			allNumeric = false
		}
		if looksLikeDate(v) {
			dateLike++
		}
	}
	if allNumeric {
		return KindNumber
	}
	if dateLike >= 2 && dateLike >= len(vals)/2 {
		return KindTemporal
	}
	return KindText
}
