package loadbalancer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const InstanceHeader = "X-Meetmesh-Instance"

// Affinity pins a client to the instance holding its meeting. Rooms live in
// the memory of one process, so every participant of a meeting has to reach
// the same instance; the proxy routes on the signed cookie set here.
type Affinity struct {
	secretKey  []byte
	cookieName string
	instanceID string
	maxAge     int
	secure     bool
}

func NewAffinity(secretKey, cookieName, instanceID string, maxAge int, secure bool) *Affinity {
	return &Affinity{
		secretKey:  []byte(secretKey),
		cookieName: cookieName,
		instanceID: instanceID,
		maxAge:     maxAge,
		secure:     secure,
	}
}

// Instance returns the instance a valid affinity cookie names.
func (a *Affinity) Instance(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return a.verify(cookie.Value)
}

// Middleware stamps responses with this instance. A missing, forged or
// foreign cookie is replaced.
func (a *Affinity) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if current, ok := a.Instance(c.Request); !ok || current != a.instanceID {
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     a.cookieName,
				Value:    a.sign(a.instanceID),
				Path:     "/",
				MaxAge:   a.maxAge,
				HttpOnly: true,
				Secure:   a.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		c.Header(InstanceHeader, a.instanceID)
		c.Next()
	}
}

func (a *Affinity) sign(instanceID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(instanceID))
	return instanceID + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *Affinity) verify(value string) (string, bool) {
	idx := strings.LastIndex(value, ".")
	if idx <= 0 {
		return "", false
	}
	instanceID := value[:idx]
	if !hmac.Equal([]byte(value), []byte(a.sign(instanceID))) {
		return "", false
	}
	return instanceID, true
}
