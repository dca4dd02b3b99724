package middleware

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"aifusion/internal/auth"
)

// AuthenticationError wraps AuthError as an error
type AuthenticationError struct {
	AuthError
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

// AuthenticatedUpgrader authenticates during the upgrade handshake, before
// any frame is exchanged.
type AuthenticatedUpgrader struct {
	*websocket.Upgrader
	validator TokenValidator
	extractor *auth.TokenExtractor
}

// NewAuthenticatedUpgrader creates an upgrader that requires authentication
func NewAuthenticatedUpgrader(validator TokenValidator, upgrader *websocket.Upgrader) *AuthenticatedUpgrader {
	return &AuthenticatedUpgrader{
		Upgrader:  upgrader,
		validator: validator,
		extractor: auth.NewWebSocketTokenExtractor(),
	}
}

// UpgradeWithAuth upgrades the connection if the request carries a valid
// token. On failure an HTTP error has already been written.
func (u *AuthenticatedUpgrader) UpgradeWithAuth(w http.ResponseWriter, r *http.Request) (*websocket.Conn, *AuthInfo, error) {
	info, authErr := authenticate(u.validator, u.extractor, r, "WS Auth")
	if authErr != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="fusion"`)
		http.Error(w, authErr.Message, authErr.Code)
		return nil, nil, &AuthenticationError{AuthError: *authErr}
	}

	// Browsers require the selected subprotocol to be echoed back.
	var responseHeader http.Header
	if info.Source == auth.TokenSourceWebSocketProtocol {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{auth.WebSocketProtocol}}
	}

	conn, err := u.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("[WS Auth] Connection authenticated: user=%s source=%s", info.Email, info.Source)
	return conn, info, nil
}
