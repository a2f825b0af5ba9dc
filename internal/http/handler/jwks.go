package handler

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
)

// JWKS exposes active platform public keys so resource servers can
// verify access tokens locally.
func (h *AuthHandler) JWKS(c *gin.Context) {
	infos := h.Keys.ActivePublicKeys()
	keys := make([]gin.H, 0, len(infos))
	for _, info := range infos {
		jwk, ok := publicJWK(info.Public)
		if !ok {
			continue
		}
		jwk["kid"] = info.KID
		jwk["alg"] = info.Algorithm
		jwk["use"] = "sig"
		keys = append(keys, jwk)
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func publicJWK(pub interface{}) (gin.H, bool) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return gin.H{
			"kty": "RSA",
			"n":   b64(key.N.Bytes()),
			"e":   b64(big.NewInt(int64(key.E)).Bytes()),
		}, true
	case *ecdsa.PublicKey:
		size := (key.Curve.Params().BitSize + 7) / 8
		return gin.H{
			"kty": "EC",
			"crv": key.Curve.Params().Name,
			"x":   b64(leftPad(key.X.Bytes(), size)),
			"y":   b64(leftPad(key.Y.Bytes(), size)),
		}, true
	default:
		return nil, false
	}
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func leftPad(data []byte, size int) []byte {
	if len(data) >= size {
		return data
	}
	padded := make([]byte, size)
	copy(padded[size-len(data):], data)
	return padded
}
