package supplierapi

import (
    "errors"

    "github.com/tidwall/gjson"
)

var ErrMalformedPage = errors.New("malformed supplier response")

type Page struct {
    Records []map[string]any
    // HasMore is set when the supplier sent an explicit continuation flag.
    HasMore *bool
    // Total is set when the supplier reported its overall record count.
    Total *int
}

type arrayExtractor func(doc gjson.Result) (gjson.Result, bool)

func topLevelArray(doc gjson.Result) (gjson.Result, bool) {
    return doc, doc.IsArray()
}

func arrayAt(path string) arrayExtractor {
    return func(doc gjson.Result) (gjson.Result, bool) {
        r := doc.Get(path)
        return r, r.IsArray()
    }
}

// pageExtractors locate the offer array, first match wins.
var pageExtractors = []arrayExtractor{
    topLevelArray,
    arrayAt("offers"),
    arrayAt("data"),
    arrayAt("results"),
    arrayAt("items"),
}

var hasMorePaths = []string{"hasMore", "has_more", "pagination.hasMore", "pagination.has_more", "meta.hasMore", "meta.has_more"}

var totalPaths = []string{"total", "totalCount", "total_count", "pagination.total", "meta.total"}

// ParsePage reads a page body tolerantly. A body without any recognizable
// array is an empty page, not an error; invalid JSON is.
func ParsePage(body []byte) (Page, error) {
    if !gjson.ValidBytes(body) {
        return Page{}, ErrMalformedPage
    }
    doc := gjson.ParseBytes(body)

    var p Page
    for _, extract := range pageExtractors {
        arr, ok := extract(doc)
        if !ok {
            continue
        }
        arr.ForEach(func(_, item gjson.Result) bool {
            p.Records = append(p.Records, record(item))
            return true
        })
        break
    }
    if !doc.IsObject() {
        return p, nil
    }
    for _, path := range hasMorePaths {
        if r := doc.Get(path); r.Exists() && (r.Type == gjson.True || r.Type == gjson.False) {
            b := r.Bool()
            p.HasMore = &b
            break
        }
    }
    for _, path := range totalPaths {
        if r := doc.Get(path); r.Exists() && r.Type == gjson.Number {
            n := int(r.Int())
            p.Total = &n
            break
        }
    }
    return p, nil
}

func record(item gjson.Result) map[string]any {
    if m, ok := item.Value().(map[string]interface{}); ok {
        return m
    }
    return map[string]any{"_value": item.Value()}
}
