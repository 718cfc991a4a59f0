// Package telephony answers phone calls through Twilio: a TwiML webhook
// connects the call to a bidirectional media stream carrying the session.
package telephony

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/middleware"
)

const (
	VoicePath  = "/twilio/voice"
	StreamPath = "/twilio/stream"

	greeting = "Hi! Ask me anything about biology."
)

// Voice answers the incoming-call webhook with a greeting and a
// <Connect><Stream> pointing back at StreamPath.
func (h *Handler) Voice(c echo.Context) error {
	params, _ := c.Get(middleware.TwilioParamsKey).(map[string]string)
	h.log.Info("incoming call", zap.String("call_sid", params["CallSid"]), zap.String("from", params["From"]))

	stream := &twiml.VoiceStream{Url: streamURL(c.Request(), h.publicBaseURL)}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	say := &twiml.VoiceSay{Message: greeting}
	resp, err := twiml.Voice([]twiml.Element{say, connect})
	if err != nil {
		h.log.Error("build twiml", zap.Error(err))
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	return c.Blob(http.StatusOK, "application/xml", []byte(resp))
}

// streamURL builds the public wss:// URL of the media stream.
// Priority: configured base URL > X-Forwarded-* headers > request Host.
func streamURL(r *http.Request, publicBaseURL string) string {
	base := strings.TrimRight(publicBaseURL, "/")
	if base == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		host := r.Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			base = proto + "://" + host
		}
	}
	if base == "" {
		proto := "https"
		if strings.HasPrefix(r.Host, "localhost:") || strings.HasPrefix(r.Host, "127.0.0.1:") {
			proto = "http"
		}
		base = proto + "://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + StreamPath
}
