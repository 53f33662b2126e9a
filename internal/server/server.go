package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dcss-portal/internal/auth"
	"dcss-portal/internal/db"
	"dcss-portal/internal/upload"
)

// Accounts is the account flow the handlers drive.
type Accounts interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.User, error)
	Login(ctx context.Context, email, password string, remember bool, dev auth.Device) (auth.LoginResult, error)
	ResendCode(ctx context.Context, userID string) (*auth.Challenge, error)
	VerifyTwoFactor(ctx context.Context, userID, code string, trust bool, dev auth.Device) (auth.LoginResult, error)
	CurrentUser(ctx context.Context, userID string) (*auth.User, error)
	Record(ctx context.Context, userID, action, detail string)
}

// Uploads is the chunked upload protocol.
type Uploads interface {
	BeginUpload(ctx context.Context, owner, name, contentType string, size int64) (upload.Begun, error)
	ReceivePart(ctx context.Context, owner, sessionID string, index, total int, data []byte) (upload.PartResult, error)
	Open(ctx context.Context, owner, fileID string) (*upload.File, io.ReadCloser, error)
	List(ctx context.Context, owner string) ([]upload.File, error)
}

// ActivityReader lists a user's recent security events.
type ActivityReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]db.ActivityEntry, error)
}

type Config struct {
	Addr               string
	Version            string
	Commit             string
	CORSAllowedOrigins []string
	RateLimitPerMin    int
	MaxPartBytes       int64
	TrustProxy         bool
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Accounts Accounts
	Uploads  Uploads
	Activity ActivityReader
	Gate     *auth.Gate
	Checks   []HealthCheck
}

type Server struct {
	cfg        Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	limiter    *rateLimiter
	authLimit  *rateLimiter
	metrics    *Metrics
}

func New(cfg Config, deps Deps) *Server {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		limiter:   newRateLimiter(cfg.RateLimitPerMin, time.Minute),
		authLimit: newRateLimiter(10, time.Minute),
		metrics:   NewMetrics(),
	}

	r := gin.New()
	if !cfg.TrustProxy {
		// ClientIP then ignores X-Forwarded-For and uses the socket peer.
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		s.accessLogMiddleware(),
		securityHeadersMiddleware(),
		corsMiddleware(cfg.CORSAllowedOrigins),
		compressionMiddleware(),
	)
	s.engine = r
	s.routes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.handleHealth)
	r.GET("/health/ready", s.handleReady)
	r.GET("/health/live", s.handleLive)
	r.GET("/metrics", s.handleMetrics)

	api := r.Group("/api", s.limiter.middleware())

	authRoutes := api.Group("/auth")
	sensitive := s.authLimit.middleware()
	authRoutes.POST("/register", sensitive, s.handleRegister)
	authRoutes.POST("/login", sensitive, s.handleLogin)
	authRoutes.POST("/2fa/resend", sensitive, s.handleResendCode)
	authRoutes.POST("/2fa/verify", sensitive, s.handleVerifyCode)

	gated := api.Group("", s.deps.Gate.Middleware())
	gated.GET("/auth/verify", s.handleCurrentUser)
	gated.GET("/auth/activity", s.handleActivity)
	gated.POST("/files", s.handleBeginUpload)
	gated.PUT("/files/uploads/:id/parts", s.handleUploadPart)
	gated.GET("/files", s.handleListFiles)
	gated.GET("/files/:id/content", s.handleDownload)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	s.authLimit.stop()
	return s.httpServer.Shutdown(ctx)
}
