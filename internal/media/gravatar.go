package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
)

const gravatarBaseURL = "https://www.gravatar.com"

// Gravatar builds avatar URLs from an email address. No request is made; the
// image service renders a default identicon for unknown addresses.
type Gravatar struct {
	baseURL string
}

func NewGravatar() *Gravatar {
	return &Gravatar{baseURL: gravatarBaseURL}
}

func (g *Gravatar) AvatarURL(_ context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.New("gravatar: empty email")
	}
	sum := md5.Sum([]byte(email)) // #nosec G401: gravatar addresses images by md5 of the email.
	return g.baseURL + "/avatar/" + hex.EncodeToString(sum[:]) + "?d=identicon", nil
}
