package normalize

import (
    "fmt"
    "strings"
)

type Kind string

const (
    KindMissingSupplierID Kind = "MissingSupplierId"
    KindRequiredField     Kind = "RequiredField"
    KindDateConversion    Kind = "DateConversionError"
    KindValidation        Kind = "ValidationError"
    KindPriceConversion   Kind = "PriceConversionError"
)

// FieldError describes one rejected field of a supplier record.
type FieldError struct {
    Kind   Kind   `json:"kind"`
    Field  string `json:"field"`
    Reason string `json:"reason"`
    Value  any    `json:"value,omitempty"`
}

func (e FieldError) Error() string {
    return fmt.Sprintf("%s(%s): %s", e.Kind, e.Field, e.Reason)
}

// RejectionError carries every violation found in a record, in rule order.
type RejectionError struct {
    Errors []FieldError `json:"errors"`
}

func (e *RejectionError) Error() string {
    parts := make([]string, 0, len(e.Errors))
    for _, fe := range e.Errors {
        parts = append(parts, fe.Error())
    }
    return "offer rejected: " + strings.Join(parts, "; ")
}

func (e *RejectionError) Has(kind Kind, field string) bool {
    for _, fe := range e.Errors {
        if fe.Kind == kind && fe.Field == field {
            return true
        }
    }
    return false
}

func (e *RejectionError) add(kind Kind, field, reason string, value any) {
    e.Errors = append(e.Errors, FieldError{Kind: kind, Field: field, Reason: reason, Value: value})
}
