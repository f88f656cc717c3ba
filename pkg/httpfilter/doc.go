// Package httpfilter runs a firewall pipeline in front of net/http handlers.
//
// NewRequest adapts an *http.Request to domain.Request. Middleware evaluates
// the pipeline currently held by a PipelineSource and applies the verdict:
// blocked requests get a JSON error body, redirected ones a Location header,
// everything else reaches the next handler.
package httpfilter
