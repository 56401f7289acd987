package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	onvif "github.com/SridarDhandapani/onvif-session"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Server exposes the hub's cameras over HTTP
type Server struct {
	hub      *Hub
	log      zerolog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	// discover is swapped in tests
	discover func(c *gin.Context, opts *onvif.DiscoveryOptions) ([]onvif.DiscoveredCamera, error)
}

// NewServer builds the router for hub
func NewServer(hub *Hub, log zerolog.Logger) *Server {
	s := &Server{
		hub:    hub,
		log:    log.With().Str("component", "http").Logger(),
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		discover: func(c *gin.Context, opts *onvif.DiscoveryOptions) ([]onvif.DiscoveredCamera, error) {
			return onvif.DiscoverCameras(c.Request.Context(), opts)
		},
	}

	r := s.engine
	r.Use(gin.Recovery())
	r.Use(accessLog(s.log))

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	r.GET("/api/discover", s.discoverCameras)
	r.GET("/api/events", s.streamEvents)

	cameras := r.Group("/api/cameras")
	{
		cameras.GET("", s.listCameras)

		one := cameras.Group("/:id", s.requireCamera)
		one.GET("", s.getCamera)
		one.GET("/services", s.getServices)
		one.GET("/time", s.getTime)
		one.GET("/info", s.getInfo)
		one.GET("/profiles", s.getProfiles)
		one.GET("/snapshot", s.getSnapshot)
		one.GET("/events", s.streamEvents)
	}
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler { return s.engine }

type cameraSummary struct {
	ID        string `json:"id"`
	DeviceURL string `json:"deviceUrl"`
	Events    bool   `json:"events"`
	Alive     *bool  `json:"alive,omitempty"`
}

func (s *Server) summary(id string) cameraSummary {
	cc, _ := s.hub.Config(id)
	return cameraSummary{ID: id, DeviceURL: cc.DeviceURL(), Events: cc.Events}
}

func (s *Server) listCameras(c *gin.Context) {
	ids := s.hub.IDs()
	out := make([]cameraSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.summary(id))
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

// requireCamera resolves :id and stores the session under "camera"
func (s *Server) requireCamera(c *gin.Context) {
	cam, ok := s.hub.Camera(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "unknown camera"})
		return
	}
	c.Set("camera", cam)
	c.Next()
}

func camera(c *gin.Context) *onvif.Camera {
	return c.MustGet("camera").(*onvif.Camera)
}

func (s *Server) getCamera(c *gin.Context) {
	out := s.summary(c.Param("id"))
	alive := camera(c).IsAlive(c.Request.Context())
	out.Alive = &alive
	c.JSON(http.StatusOK, out)
}

func (s *Server) getServices(c *gin.Context) {
	services, err := camera(c).GetServices(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, services)
}

func (s *Server) getTime(c *gin.Context) {
	deviceTime, err := camera(c).GetDeviceTime(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	local := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{
		"deviceTime": deviceTime,
		"localTime":  local,
		"skew":       deviceTime.Sub(local).String(),
	})
}

func (s *Server) getInfo(c *gin.Context) {
	info, err := camera(c).GetDeviceInformation(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getProfiles(c *gin.Context) {
	media := camera(c).GetMediaService(c.Request.Context())
	if media == nil {
		s.fail(c, errors.NotSupportedf("media service"))
		return
	}
	streams := media.Streams()
	c.Header("X-Total-Count", strconv.Itoa(len(streams)))
	c.JSON(http.StatusOK, streams)
}

func (s *Server) getSnapshot(c *gin.Context) {
	img, err := camera(c).Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, img.Format, img.Body)
}

func (s *Server) discoverCameras(c *gin.Context) {
	opts := &onvif.DiscoveryOptions{}
	if raw := c.Query("timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid timeout"})
			return
		}
		opts.Timeout = timeout
	}

	found, err := s.discover(c, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	if found == nil {
		found = []onvif.DiscoveredCamera{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(found)))
	c.JSON(http.StatusOK, found)
}

// streamEvents upgrades to a WebSocket and writes one JSON message per event
// until either side goes away. Without :id it streams every camera.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	events, err := s.hub.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
		return
	}
	defer s.hub.Unsubscribe(events, id)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.Error(err)
		return
	}
	defer conn.Close()

	// reads only serve control frames; the first error means the peer left
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug().Err(err).Msg("event stream closed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// fail maps library errors onto HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.NotSupported):
		status = http.StatusNotImplemented
	case errors.Is(err, errors.Unauthorized):
		status = http.StatusUnauthorized
	}
	c.Error(err)
	c.JSON(status, gin.H{"message": err.Error()})
}

// accessLog records every request after it was handled
func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
