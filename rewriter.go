package edgehost

import (
	"net/http"
	"strings"
)

// RewriteStyle selects the HTTP request-line convention a service speaks.
type RewriteStyle int

const (
	// StyleHost keeps origin-form request lines; the authority lives in the
	// Host header and the scheme in the transport (or a forwarded-proto
	// header).
	StyleHost RewriteStyle = iota
	// StyleProxy keeps absolute URLs on the request line.
	StyleProxy
)

// injectedHeader is one entry of a header injector: a present value sets the
// header, an absent value unsets it.
type injectedHeader struct {
	id       HeaderID
	value    string
	hasValue bool
}

// headerInjector applies an ordered list of header overrides. Later entries
// win over earlier ones; both always win over upstream-derived values.
type headerInjector struct {
	headers []injectedHeader
	table   *HeaderTable
}

func newHeaderInjector(headers []InjectedHeader, b *HeaderTableBuilder) headerInjector {
	inj := headerInjector{table: b.FutureTable()}
	for _, h := range headers {
		entry := injectedHeader{id: b.Add(h.Name)}
		if h.Value != nil {
			entry.value = *h.Value
			entry.hasValue = true
		}
		inj.headers = append(inj.headers, entry)
	}
	return inj
}

func (inj *headerInjector) empty() bool { return len(inj.headers) == 0 }

func (inj *headerInjector) apply(h http.Header) {
	for _, entry := range inj.headers {
		name := inj.table.Name(entry.id)
		if entry.hasValue {
			h.Set(name, entry.value)
		} else {
			h.Del(name)
		}
	}
}

// HTTPRewriter translates requests and responses between the HOST and PROXY
// URL styles at a service boundary and applies configured header injection.
// It is immutable after construction; all header IDs are allocated against
// the startup builder.
type HTTPRewriter struct {
	style                RewriteStyle
	forwardedProtoHeader HeaderID
	hasForwardedProto    bool
	cfBlobHeader         HeaderID
	hasCfBlob            bool
	requestInjector      headerInjector
	responseInjector     headerInjector
	table                *HeaderTable
}

// NewHTTPRewriter builds a rewriter from httpOptions. Must be called while
// the header table builder is still open.
func NewHTTPRewriter(opts HTTPOptions, b *HeaderTableBuilder) *HTTPRewriter {
	r := &HTTPRewriter{
		style:            opts.Style,
		requestInjector:  newHeaderInjector(opts.InjectRequestHeaders, b),
		responseInjector: newHeaderInjector(opts.InjectResponseHeaders, b),
		table:            b.FutureTable(),
	}
	if opts.ForwardedProtoHeader != "" {
		r.forwardedProtoHeader = b.Add(opts.ForwardedProtoHeader)
		r.hasForwardedProto = true
	}
	if opts.CfBlobHeader != "" {
		r.cfBlobHeader = b.Add(opts.CfBlobHeader)
		r.hasCfBlob = true
	}
	return r
}

// HasCfBlobHeader reports whether a client-blob transport header is
// configured; if so the listener does not synthesize its own blob.
func (r *HTTPRewriter) HasCfBlobHeader() bool { return r.hasCfBlob }

// NeedsRewriteRequest reports whether requests through this rewriter require
// any translation at all.
func (r *HTTPRewriter) NeedsRewriteRequest() bool {
	return r.style == StyleHost || r.hasCfBlob || !r.requestInjector.empty()
}

// NeedsRewriteResponse reports whether responses require translation.
func (r *HTTPRewriter) NeedsRewriteResponse() bool {
	return !r.responseInjector.empty()
}

// splitProxyForm splits an absolute URL into scheme, authority, and the
// request-form remainder (path plus query, never empty). No percent decoding
// is performed; the pieces are re-emitted byte for byte.
func splitProxyForm(url string) (scheme, authority, rest string, ok bool) {
	i := strings.Index(url, "://")
	if i <= 0 {
		return "", "", "", false
	}
	scheme = url[:i]
	remainder := url[i+3:]
	j := strings.IndexAny(remainder, "/?")
	if j < 0 {
		return scheme, remainder, "/", true
	}
	authority = remainder[:j]
	rest = remainder[j:]
	if rest[0] == '?' {
		rest = "/" + rest
	}
	return scheme, authority, rest, true
}

// RewriteOutgoingRequest translates a request leaving the server toward a
// HOST-style upstream: the absolute URL collapses to request form, the
// authority moves into Host, and the scheme into the forwarded-proto header
// when one is configured. The cf blob header is set or unset from
// cfBlobJSON, and the request injector is applied last so it wins.
func (r *HTTPRewriter) RewriteOutgoingRequest(url string, headers http.Header, cfBlobJSON string) (http.Header, string, bool) {
	out := headers.Clone()
	if out == nil {
		out = make(http.Header)
	}

	if r.style == StyleHost {
		scheme, authority, rest, ok := splitProxyForm(url)
		if !ok {
			return nil, "", false
		}
		out.Set("Host", authority)
		if r.hasForwardedProto {
			out.Set(r.table.Name(r.forwardedProtoHeader), scheme)
		}
		url = rest
	}

	if r.hasCfBlob {
		name := r.table.Name(r.cfBlobHeader)
		if cfBlobJSON != "" {
			out.Set(name, cfBlobJSON)
		} else {
			out.Del(name)
		}
	}

	r.requestInjector.apply(out)
	return out, url, true
}

// RewriteIncomingRequest translates a request arriving from a client into
// proxy form. Under the HOST style the authority is taken from the Host
// header; a missing Host header fails the rewrite (the caller responds
// 400). A Host header that is present but empty is used verbatim. A
// configured forwarded-proto header overrides physicalProtocol as the scheme
// and is removed; a configured cf blob header is extracted into cfBlobJSON
// and removed.
func (r *HTTPRewriter) RewriteIncomingRequest(url, physicalProtocol string, headers http.Header) (out http.Header, newURL, cfBlobJSON string, ok bool) {
	out = headers.Clone()
	if out == nil {
		out = make(http.Header)
	}
	newURL = url

	if r.style == StyleHost {
		if url == "" || url[0] != '/' {
			return nil, "", "", false
		}
		host, present := headerValue(out, "Host")
		if !present {
			return nil, "", "", false
		}

		scheme := physicalProtocol
		if r.hasForwardedProto {
			name := r.table.Name(r.forwardedProtoHeader)
			if v, ok := headerValue(out, name); ok {
				scheme = v
				out.Del(name)
			}
		}

		newURL = scheme + "://" + host + url
	}

	if r.hasCfBlob {
		name := r.table.Name(r.cfBlobHeader)
		if v, ok := headerValue(out, name); ok {
			cfBlobJSON = v
			out.Del(name)
		}
	}

	r.requestInjector.apply(out)
	return out, newURL, cfBlobJSON, true
}

// RewriteResponse applies the response injector in place.
func (r *HTTPRewriter) RewriteResponse(headers http.Header) {
	r.responseInjector.apply(headers)
}

// headerValue returns the first value of name and whether the header is
// present at all, distinguishing a missing header from an empty one.
func headerValue(h http.Header, name string) (string, bool) {
	vals, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
