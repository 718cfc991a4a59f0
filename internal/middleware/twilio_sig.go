package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// TwilioParamsKey holds the validated form parameters in the echo context.
const TwilioParamsKey = "twilioParams"

// TwilioSignature validates X-Twilio-Signature on form webhooks. An empty
// auth token disables validation. publicBaseURL, when set, replaces the
// scheme and host Twilio signed, which differ behind a proxy.
func TwilioSignature(authToken, publicBaseURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			if authToken != "" {
				signature := req.Header.Get("X-Twilio-Signature")
				if signature == "" || !validator.Validate(signedURL(req, publicBaseURL), params, signature) {
					return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
				}
			}
			c.Set(TwilioParamsKey, params)
			return next(c)
		}
	}
}

func signedURL(r *http.Request, publicBaseURL string) string {
	base := strings.TrimRight(publicBaseURL, "/")
	if base == "" {
		base = "https://" + r.Host
	}
	return base + r.URL.RequestURI()
}
