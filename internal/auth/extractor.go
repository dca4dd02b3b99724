// Package auth provides access token storage and extraction for the gateway.
package auth

import (
	"net/http"
	"strings"
)

// WebSocketProtocol is the subprotocol browsers use to carry a token during
// the upgrade handshake: "Sec-WebSocket-Protocol: fusion-auth, <token>".
const WebSocketProtocol = "fusion-auth"

// TokenSource indicates where a token was extracted from
type TokenSource int

const (
	TokenSourceNone TokenSource = iota
	TokenSourceBearerHeader
	TokenSourceAPIKeyHeader
	TokenSourceQueryParam
	TokenSourceWebSocketProtocol
)

func (s TokenSource) String() string {
	switch s {
	case TokenSourceBearerHeader:
		return "bearer_header"
	case TokenSourceAPIKeyHeader:
		return "api_key_header"
	case TokenSourceQueryParam:
		return "query_param"
	case TokenSourceWebSocketProtocol:
		return "websocket_protocol"
	default:
		return "none"
	}
}

// ExtractedToken contains the extracted token and where it came from.
// IsMalformed is set when the location was present but carried no token.
type ExtractedToken struct {
	Token       string
	Source      TokenSource
	IsMalformed bool
}

// TokenExtractor tries an ordered list of token locations.
type TokenExtractor struct {
	extractors []func(*http.Request) ExtractedToken
}

// NewTokenExtractor checks Authorization: Bearer, X-API-Key, then ?token=.
func NewTokenExtractor() *TokenExtractor {
	return &TokenExtractor{
		extractors: []func(*http.Request) ExtractedToken{
			extractFromBearerHeader,
			extractFromAPIKeyHeader,
			extractFromQueryParam,
		},
	}
}

// NewWebSocketTokenExtractor also accepts the fusion-auth subprotocol,
// ahead of the query parameter.
func NewWebSocketTokenExtractor() *TokenExtractor {
	return &TokenExtractor{
		extractors: []func(*http.Request) ExtractedToken{
			extractFromBearerHeader,
			extractFromAPIKeyHeader,
			extractFromWebSocketProtocol,
			extractFromQueryParam,
		},
	}
}

// Extract returns the first token found, or the first malformed location.
func (e *TokenExtractor) Extract(r *http.Request) ExtractedToken {
	for _, extractor := range e.extractors {
		result := extractor(r)
		if result.Token != "" || result.IsMalformed {
			return result
		}
	}
	return ExtractedToken{Source: TokenSourceNone}
}

func found(token string, source TokenSource) ExtractedToken {
	token = strings.TrimSpace(token)
	if token == "" {
		return ExtractedToken{Source: source, IsMalformed: true}
	}
	return ExtractedToken{Token: token, Source: source}
}

func extractFromBearerHeader(r *http.Request) ExtractedToken {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ExtractedToken{}
	}
	return found(header[len(prefix):], TokenSourceBearerHeader)
}

func extractFromAPIKeyHeader(r *http.Request) ExtractedToken {
	values, ok := r.Header["X-Api-Key"]
	if !ok || len(values) == 0 {
		return ExtractedToken{}
	}
	return found(values[0], TokenSourceAPIKeyHeader)
}

func extractFromQueryParam(r *http.Request) ExtractedToken {
	query := r.URL.Query()
	if !query.Has("token") {
		return ExtractedToken{}
	}
	return found(query.Get("token"), TokenSourceQueryParam)
}

func extractFromWebSocketProtocol(r *http.Request) ExtractedToken {
	protocols := RequestedProtocols(r)
	for i, p := range protocols {
		if p != WebSocketProtocol {
			continue
		}
		if i+1 < len(protocols) {
			return found(protocols[i+1], TokenSourceWebSocketProtocol)
		}
		return ExtractedToken{Source: TokenSourceWebSocketProtocol, IsMalformed: true}
	}
	return ExtractedToken{}
}

// RequestedProtocols splits the Sec-WebSocket-Protocol header.
func RequestedProtocols(r *http.Request) []string {
	var protocols []string
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// SanitizeTokenForLogging keeps the first 8 and last 4 characters.
func SanitizeTokenForLogging(token string) string {
	if token == "" {
		return "<empty>"
	}
	if len(token) < 12 {
		return "****"
	}
	return token[:8] + "****" + token[len(token)-4:]
}
