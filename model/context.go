package model

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/text/language"
)

// DefaultLanguage is used for single-language views when the request does
// not carry a usable Accept-Language header.
const DefaultLanguage = "en"

// RequestContext carries the identity, tenancy, and tracing information of an
// authenticated request. It is immutable after construction.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	Locale        string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	return errors.Join(errs...)
}

// Language returns the base language of the most preferred Accept-Language
// entry, or DefaultLanguage.
func (rc *RequestContext) Language() string {
	if rc == nil || rc.Locale == "" {
		return DefaultLanguage
	}
	tags, _, err := language.ParseAcceptLanguage(rc.Locale)
	if err != nil || len(tags) == 0 {
		return DefaultLanguage
	}
	base, _ := tags[0].Base()
	if base.String() == "und" {
		return DefaultLanguage
	}
	return base.String()
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
