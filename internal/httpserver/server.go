// Package httpserver assembles the echo router for every transport.
package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/middleware"
	"github.com/dez2003/bio-for-dummies/internal/rtc"
	"github.com/dez2003/bio-for-dummies/internal/telephony"
	"github.com/dez2003/bio-for-dummies/internal/ws"
)

// Options carries the transport handlers. Nil handlers leave their routes unregistered.
type Options struct {
	Manager         *agent.Manager
	WS              *ws.Handler
	RTC             *rtc.Handler
	Telephony       *telephony.Handler
	TwilioAuthToken string
	PublicBaseURL   string
	Logger          *zap.Logger
}

// New creates the echo instance with middleware and routes.
func New(opts Options) *echo.Echo {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	e.GET("/healthz", healthz(opts.Manager))
	if opts.WS != nil {
		e.GET("/session", opts.WS.Serve)
	}
	if opts.RTC != nil {
		e.POST("/call", callHandler(opts.RTC, log))
	}
	if opts.Telephony != nil {
		e.POST(telephony.VoicePath, opts.Telephony.Voice, middleware.TwilioSignature(opts.TwilioAuthToken, opts.PublicBaseURL))
		e.GET(telephony.StreamPath, opts.Telephony.Stream)
	}
	return e
}

type healthResponse struct {
	OK        bool   `json:"ok"`
	Timestamp string `json:"timestamp"`
	Sessions  int    `json:"sessions"`
}

func healthz(m *agent.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{OK: true, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		if m != nil {
			resp.Sessions = m.Count()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func callHandler(h *rtc.Handler, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var offer rtc.SessionDescription
		if err := c.Bind(&offer); err != nil {
			log.Warn("invalid offer body", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
		}
		answer, err := h.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Warn("webrtc handle offer failed", zap.Error(err))
			if err == rtc.ErrInvalidOffer {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to answer offer")
		}
		return c.JSON(http.StatusOK, answer)
	}
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
