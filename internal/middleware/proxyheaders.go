package middleware

import (
	"github.com/labstack/echo/v4"
)

// serverHeader identifies the HTTP/1.1 front door in every response.
const serverHeader = "HTTP1-Proxy/1.0"

// hopByHopHeaders are headers that must not travel through a proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHeaders returns an Echo middleware that strips hop-by-hop headers
// from incoming requests and stamps the front door's Server header on
// responses.
func ProxyHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			c.Response().Header().Set(echo.HeaderServer, serverHeader)

			return next(c)
		}
	}
}
