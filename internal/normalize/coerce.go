package normalize

import (
    "encoding/json"
    "math"
    "strconv"
    "strings"
    "time"
)

// priceAliases is scanned in order; the first present, non-empty value wins.
var priceAliases = []string{"priceMinor", "price", "amount", "cost"}

// dateLayouts are tried in order for string timestamps.
var dateLayouts = []string{
    time.RFC3339Nano,
    time.RFC3339,
    "2006-01-02T15:04:05",
    "2006-01-02 15:04:05",
    "2006-01-02",
}

type timeExtractor func(v any) (time.Time, bool)

var timeExtractors = []timeExtractor{
    nativeTime,
    epochMillis,
    isoString,
    numericString,
}

func nativeTime(v any) (time.Time, bool) {
    switch t := v.(type) {
    case time.Time:
        return t.UTC(), !t.IsZero()
    case *time.Time:
        if t == nil || t.IsZero() { return time.Time{}, false }
        return t.UTC(), true
    }
    return time.Time{}, false
}

func epochMillis(v any) (time.Time, bool) {
    f, ok := number(v)
    if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
        return time.Time{}, false
    }
    return time.UnixMilli(int64(f)).UTC(), true
}

func isoString(v any) (time.Time, bool) {
    s, ok := v.(string)
    if !ok { return time.Time{}, false }
    s = strings.TrimSpace(s)
    for _, layout := range dateLayouts {
        if t, err := time.Parse(layout, s); err == nil {
            return t.UTC(), true
        }
    }
    return time.Time{}, false
}

func numericString(v any) (time.Time, bool) {
    s, ok := v.(string)
    if !ok { return time.Time{}, false }
    ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
    if err != nil { return time.Time{}, false }
    return time.UnixMilli(ms).UTC(), true
}

func parseTime(v any) (time.Time, bool) {
    for _, extract := range timeExtractors {
        if t, ok := extract(v); ok {
            return t, true
        }
    }
    return time.Time{}, false
}

// number reports the numeric value of JSON-ish inputs, without accepting strings.
func number(v any) (float64, bool) {
    switch n := v.(type) {
    case float64:
        return n, true
    case float32:
        return float64(n), true
    case int:
        return float64(n), true
    case int32:
        return float64(n), true
    case int64:
        return float64(n), true
    case json.Number:
        f, err := n.Float64()
        return f, err == nil
    }
    return 0, false
}

// numeric accepts numbers and numeric strings.
func numeric(v any) (float64, bool) {
    if f, ok := number(v); ok {
        return f, true
    }
    if s, ok := v.(string); ok {
        f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
        if err == nil {
            return f, true
        }
    }
    return 0, false
}

func nonNegativeInt(v any) (int, bool) {
    switch n := v.(type) {
    case string:
        s := strings.TrimSpace(n)
        if s == "" { return 0, false }
        for _, r := range s {
            if r < '0' || r > '9' { return 0, false }
        }
        i, err := strconv.Atoi(s)
        return i, err == nil
    }
    f, ok := number(v)
    if !ok || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
        return 0, false
    }
    return int(f), true
}

func identifier(v any) (string, bool) {
    switch id := v.(type) {
    case string:
        s := strings.TrimSpace(id)
        return s, s != ""
    case json.Number:
        return id.String(), true
    }
    f, ok := number(v)
    if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
        return "", false
    }
    return strconv.FormatFloat(f, 'f', -1, 64), true
}

func trimmed(v any) (string, bool) {
    s, ok := v.(string)
    if !ok { return "", false }
    s = strings.TrimSpace(s)
    return s, s != ""
}

func present(v any) bool {
    if v == nil { return false }
    if s, ok := v.(string); ok {
        return strings.TrimSpace(s) != ""
    }
    return true
}

// extractPrice returns the first present alias and its raw value.
func extractPrice(raw map[string]any) (string, any, bool) {
    for _, key := range priceAliases {
        if v, ok := raw[key]; ok && present(v) {
            return key, v, true
        }
    }
    return "", nil, false
}

// toMinorUnits applies the unit heuristic: values of 100 or more are taken as
// minor units already, anything smaller is major units.
func toMinorUnits(v float64) int64 {
    if v >= 100 {
        return int64(math.Round(v))
    }
    return int64(math.Round(v * 100))
}
