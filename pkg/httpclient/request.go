// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package httpclient

import (
	"strings"

	relayderr "github.com/nsofnetworks/relayd/pkg/errors"
	"github.com/nsofnetworks/relayd/pkg/htmsg"
	"github.com/nsofnetworks/relayd/pkg/xprt"
)

// UserAgent is the default user-agent header value injected when the
// caller supplies none.
const UserAgent = "relayd"

const httpVersion = "HTTP/1.1"

// Header is one request or response header pair.
type Header struct {
	Name  string
	Value string
}

var knownMethods = map[string]struct{}{
	"OPTIONS": {},
	"GET":     {},
	"HEAD":    {},
	"POST":    {},
	"PUT":     {},
	"DELETE":  {},
	"TRACE":   {},
	"CONNECT": {},
}

// ValidMethod reports whether the method is one the engine knows.
func ValidMethod(method string) bool {
	_, ok := knownMethods[method]
	return ok
}

// BuildRequest serializes a request line, headers and optional payload
// into the client's request buffer. Default Host, Accept and User-Agent
// headers are injected only when the caller did not supply them (name
// match is case-insensitive). When the client has no payload producer
// callback and no payload is given, the message is marked bodyless and
// terminated; a supplied payload is appended as one data segment and
// the message terminated as well. In producer mode end-of-message is
// withheld: the producer decides when the message ends.
//
// On failure the buffer may already be partially written.
func (c *Client) BuildRequest(url, method string, hdrs []Header, payload []byte) error {
	if !ValidMethod(method) {
		c.countBuildError("method")
		return relayderr.New("build_request", c.id.String(), url, relayderr.ErrInvalidMethod)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.req == nil {
		c.req = htmsg.New(c.rt.cfg.BufBytes)
	}

	if err := c.req.AppendRequestLine(method, url, httpVersion); err != nil {
		c.countBuildError("overflow")
		return relayderr.New("build_request", c.id.String(), url, err)
	}

	var foundHost, foundAccept, foundUA bool
	for _, h := range hdrs {
		switch {
		case strings.EqualFold(h.Name, "host"):
			foundHost = true
		case strings.EqualFold(h.Name, "accept"):
			foundAccept = true
		case strings.EqualFold(h.Name, "user-agent"):
			foundUA = true
		}
		if err := c.req.AppendHeader(h.Name, h.Value); err != nil {
			c.countBuildError("overflow")
			return relayderr.New("build_request", c.id.String(), url, err)
		}
	}

	if !foundHost {
		if err := c.req.AppendHeader("Host", authority(url)); err != nil {
			c.countBuildError("overflow")
			return relayderr.New("build_request", c.id.String(), url, err)
		}
	}
	if !foundAccept {
		if err := c.req.AppendHeader("Accept", "*/*"); err != nil {
			c.countBuildError("overflow")
			return relayderr.New("build_request", c.id.String(), url, err)
		}
	}
	if !foundUA {
		if err := c.req.AppendHeader("User-Agent", UserAgent); err != nil {
			c.countBuildError("overflow")
			return relayderr.New("build_request", c.id.String(), url, err)
		}
	}

	if err := c.req.AppendEOH(); err != nil {
		c.countBuildError("overflow")
		return relayderr.New("build_request", c.id.String(), url, err)
	}

	if len(payload) > 0 {
		// The whole payload is in hand; no Content-Length is computed
		// here, framing is the transport codec's concern.
		if err := c.req.AppendDataAtOnce(payload); err != nil {
			c.countBuildError("overflow")
			return relayderr.New("build_request", c.id.String(), url, err)
		}
	}

	// With a payload producer the end of the message *must* be set by
	// the producer callback, not here.
	if c.Ops.OnRequestPayload == nil {
		if err := c.req.SetEOM(); err != nil {
			c.countBuildError("overflow")
			return relayderr.New("build_request", c.id.String(), url, err)
		}
	}

	return nil
}

// SplitURL splits a target URL into scheme, host and port. A
// recognized scheme prefix selects the transport flavor and default
// port; anything else falls back to raw transport on port 80. An
// explicit :port suffix on the authority overrides the default.
func SplitURL(url string) (scheme xprt.Scheme, host string, port int) {
	scheme = xprt.SchemeHTTP
	port = 80

	rest := url
	switch {
	case hasPrefixFold(url, "http://"):
		rest = url[len("http://"):]
	case hasPrefixFold(url, "https://"):
		scheme = xprt.SchemeHTTPS
		port = 443
		rest = url[len("https://"):]
	}

	host = authorityOf(rest)

	// Scan backward from the end of the authority over decimal digits
	// to find an explicit port.
	p := len(host)
	for p > 0 && host[p-1] >= '0' && host[p-1] <= '9' {
		p--
	}
	if p > 0 && p < len(host) && host[p-1] == ':' {
		n := 0
		for _, d := range host[p:] {
			n = n*10 + int(d-'0')
		}
		port = n
		host = host[:p-1]
	}

	return scheme, host, port
}

// authority returns the authority substring of a URL, port included,
// for use as a Host header value.
func authority(url string) string {
	rest := url
	switch {
	case hasPrefixFold(url, "http://"):
		rest = url[len("http://"):]
	case hasPrefixFold(url, "https://"):
		rest = url[len("https://"):]
	}
	return authorityOf(rest)
}

// authorityOf extracts the authority from a URL with the scheme
// already removed, dropping any userinfo prefix.
func authorityOf(rest string) string {
	end := len(rest)
	for i := 0; i < len(rest); i++ {
		if c := rest[i]; c == '/' || c == '?' || c == '#' {
			end = i
			break
		}
	}
	auth := rest[:end]
	if at := strings.LastIndexByte(auth, '@'); at >= 0 {
		auth = auth[at+1:]
	}
	return auth
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
