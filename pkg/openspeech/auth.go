package openspeech

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthMethod 鉴权方式
type AuthMethod string

const (
	// AuthToken 使用 Bearer Token 请求头鉴权
	AuthToken AuthMethod = "token"

	// AuthSignature 使用 HMAC-SHA256 签名鉴权, 签名覆盖握手帧字节
	AuthSignature AuthMethod = "signature"
)

// signedHeaderName 参与签名的自定义请求头
const (
	signedHeaderName  = "Custom"
	signedHeaderValue = "auth_custom"
)

// tokenAuthHeaders Bearer Token 请求头
//
// 注意格式为 "Bearer; {token}" 而非标准的 "Bearer {token}".
func tokenAuthHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer; "+token)
	return h
}

// signatureAuthHeaders HMAC-SHA256 签名请求头
//
// 签名输入为规范化请求行 "GET <path> HTTP/1.1\n"、各签名头取值 (每项换行)、
// 以及待发送的握手帧字节; mac 为 urlsafe base64.
func signatureAuthHeaders(wsURL, token, secret string, handshakeFrame []byte) (http.Header, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, wrapError(err, "parse ws url")
	}

	// 签名头列表以逗号分隔写入 h=..., 取值按序逐行拼接
	signed := map[string]string{signedHeaderName: signedHeaderValue}
	var input strings.Builder
	fmt.Fprintf(&input, "GET %s HTTP/1.1\n", u.Path)
	for _, name := range strings.Split(signedHeaderName, ",") {
		fmt.Fprintf(&input, "%s\n", signed[name])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input.String()))
	mac.Write(handshakeFrame)
	sum := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set(signedHeaderName, signedHeaderValue)
	h.Set("Authorization", fmt.Sprintf("HMAC256; access_token=%q; mac=%q; h=%q", token, sum, signedHeaderName))
	return h, nil
}

// authHeaders 按配置计算连接请求头
func (c *Config) authHeaders(handshakeFrame []byte) (http.Header, error) {
	if c.AuthMethod == AuthSignature {
		return signatureAuthHeaders(c.WSURL, c.Token, c.Secret, handshakeFrame)
	}
	return tokenAuthHeaders(c.Token), nil
}
