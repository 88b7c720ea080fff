package relaypool

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// credentialTTL bounds TURN credentials when the session has no token
// expiry of its own.
const credentialTTL = 24 * time.Hour

// Views renders the client-facing relay list. Relays with a stamp
// secret become TURN entries with derived credentials; the rest are
// plain STUN. Dual-stack relays yield one entry per address.
func (p *Pool) Views(relays []Descriptor, clientID uuid.UUID, expiresAt time.Time) []wire.RelayView {
	if expiresAt.IsZero() {
		expiresAt = p.clock.Now().Add(credentialTTL)
	}

	var views []wire.RelayView
	for _, relay := range relays {
		for _, addr := range relay.addrs() {
			view := wire.RelayView{
				ID:   relay.ID,
				Type: wire.RelayTypeSTUN,
				Addr: addr,
			}
			if relay.StampSecret != "" {
				username, password := deriveCredentials(relay.StampSecret, clientID, expiresAt)
				view.Type = wire.RelayTypeTURN
				view.Username = username
				view.Password = password
				view.ExpiresAt = expiresAt.Unix()
			}
			views = append(views, view)
		}
	}
	return views
}

// deriveCredentials computes long-term TURN credentials in the
// rest-style format "<expiry>:<salt>". The salt ties the credential
// to the client without exposing its id; the password authenticates
// the pair against the relay's per-connection stamp secret.
func deriveCredentials(stampSecret string, clientID uuid.UUID, expiresAt time.Time) (username, password string) {
	sum := sha256.Sum256([]byte(clientID.String()))
	salt := hex.EncodeToString(sum[:])[:8]
	username = fmt.Sprintf("%d:%s", expiresAt.Unix(), salt)

	mac := hmac.New(sha256.New, []byte(stampSecret))
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}
