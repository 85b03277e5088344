package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/config"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/store"
)

const qrSize = 256

// Server owns the HTTP surface: student/admin pages, the JSON API and the
// operational endpoints.
type Server struct {
	svc   *attendance.Service
	cfg   config.App
	log   zerolog.Logger
	db    *store.DB
	redis *store.Redis // nil unless the redis login cache is configured
}

// New creates a server around the attendance service.
func New(svc *attendance.Service, cfg config.App, logger zerolog.Logger, db *store.DB, redis *store.Redis) *Server {
	return &Server{svc: svc, cfg: cfg, log: logger, db: db, redis: redis}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin).GinMiddleware())
	r.Use(auth.Authenticate(s.cfg.JWTSigningKey, s.cfg.JWTIssuer))

	if s.cfg.TemplateGlob != "" {
		r.LoadHTMLGlob(s.cfg.TemplateGlob)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	// Pages and form posts.
	r.GET("/", s.index)
	r.POST("/login", s.login)
	r.POST("/register", s.register)
	r.GET("/dashboard", s.dashboard)
	r.GET("/qr_scanner", s.qrScanner)
	r.GET("/admin", s.adminPage)
	r.POST("/admin_login", s.adminLogin)
	r.GET("/logout", s.logout)
	r.GET("/admin_logout", s.adminLogout)

	// Anyone may poll the current session; kept unauthenticated as in the
	// majority of deployments, with an admin-only detailed form below.
	r.GET("/get_current_session", s.currentSession)

	student := r.Group("", auth.RequireRole(auth.RoleStudent))
	{
		student.POST("/mark_attendance", s.markAttendance)
		student.POST("/scan_qr", s.markAttendance)
		student.GET("/get_attendance_stats", s.attendanceStats)
	}

	admin := r.Group("", auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/generate_session", s.generateSession(false))
		admin.POST("/generate_qr", s.generateSession(true))
		admin.GET("/get_current_session_admin", s.currentSessionAdmin)
		admin.GET("/get_all_attendance", s.allAttendance)
		admin.GET("/download_data", s.downloadData)
		admin.GET("/get_admin_stats", s.adminStats)
	}

	return r
}

// ---------- Pages ----------

func (s *Server) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{"College": s.cfg.CollegeName})
}

func (s *Server) dashboard(c *gin.Context) {
	claims, ok := auth.Current(c)
	if !ok || claims.Role != auth.RoleStudent {
		c.Redirect(http.StatusFound, "/")
		return
	}
	name, err := s.svc.StudentName(c.Request.Context(), claims.Subject)
	if err != nil {
		s.log.Error().Err(err).Msg("dashboard lookup failed")
	}
	if name == "" {
		name = "Student"
	}
	c.HTML(http.StatusOK, "dashboard.html", gin.H{
		"StudentName": name,
		"StudentID":   claims.Subject,
	})
}

func (s *Server) qrScanner(c *gin.Context) {
	claims, ok := auth.Current(c)
	if !ok || claims.Role != auth.RoleStudent {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.HTML(http.StatusOK, "qr_scanner.html", gin.H{"StudentID": claims.Subject})
}

func (s *Server) adminPage(c *gin.Context) {
	if claims, ok := auth.Current(c); !ok || claims.Role != auth.RoleAdmin {
		c.HTML(http.StatusOK, "admin_login.html", gin.H{})
		return
	}
	c.HTML(http.StatusOK, "admin.html", gin.H{"College": s.cfg.CollegeName})
}

// ---------- Auth ----------

func (s *Server) login(c *gin.Context) {
	studentID := c.PostForm("student_id")
	password := c.PostForm("password")
	if studentID == "" || password == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}

	name, err := s.svc.LoginStudent(c.Request.Context(), studentID, password)
	if err != nil {
		if !errors.Is(err, attendance.ErrInvalidCredentials) {
			s.log.Error().Err(err).Str("student_id", studentID).Msg("student login failed")
		}
		loginsTotal.WithLabelValues(auth.RoleStudent, "failure").Inc()
		// Invalid logins bounce back to the entry page without a reason.
		c.Redirect(http.StatusFound, "/")
		return
	}

	s.setSessionCookie(c, studentID, auth.RoleStudent, name)
	loginsTotal.WithLabelValues(auth.RoleStudent, "success").Inc()
	c.Redirect(http.StatusFound, "/dashboard")
}

func (s *Server) register(c *gin.Context) {
	studentID := c.PostForm("student_id")
	password := c.PostForm("password")
	name := c.PostForm("name")

	if err := s.svc.RegisterStudent(c.Request.Context(), studentID, password, name); err != nil {
		if errors.Is(err, attendance.ErrDuplicateStudent) {
			s.log.Warn().Str("student_id", studentID).Msg("duplicate registration ignored")
		} else {
			s.log.Error().Err(err).Str("student_id", studentID).Msg("registration failed")
		}
	}
	c.Redirect(http.StatusFound, "/")
}

func (s *Server) adminLogin(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")

	if err := s.svc.LoginAdmin(c.Request.Context(), username, password); err != nil {
		if !errors.Is(err, attendance.ErrInvalidCredentials) {
			s.log.Error().Err(err).Str("username", username).Msg("admin login failed")
		}
		loginsTotal.WithLabelValues(auth.RoleAdmin, "failure").Inc()
		c.HTML(http.StatusOK, "admin_login.html", gin.H{"Error": "Invalid credentials"})
		return
	}

	s.setSessionCookie(c, username, auth.RoleAdmin, "")
	loginsTotal.WithLabelValues(auth.RoleAdmin, "success").Inc()
	c.Redirect(http.StatusFound, "/admin")
}

func (s *Server) logout(c *gin.Context) {
	s.clearSessionCookie(c)
	c.Redirect(http.StatusFound, "/")
}

func (s *Server) adminLogout(c *gin.Context) {
	s.clearSessionCookie(c)
	c.Redirect(http.StatusFound, "/admin")
}

func (s *Server) setSessionCookie(c *gin.Context, subject, role, name string) {
	token, _, err := auth.Issue(subject, role, name, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.LoginTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("token issue failed")
		return
	}
	secure := s.cfg.Env == "production" || s.cfg.Env == "prod"
	c.SetCookie(auth.CookieName, token, int(s.cfg.LoginTTL/time.Second), "/", "", secure, true)
}

func (s *Server) clearSessionCookie(c *gin.Context) {
	c.SetCookie(auth.CookieName, "", -1, "/", "", false, true)
}

// ---------- Sessions ----------

type generateRequest struct {
	Subject string `json:"subject"`
}

func (s *Server) generateSession(withQR bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		sess, err := s.svc.IssueSession(c.Request.Context(), req.Subject)
		if err != nil {
			s.log.Error().Err(err).Msg("session issue failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate session"})
			return
		}

		resp := gin.H{"session_id": sess.ID, "subject": sess.Subject}
		if withQR {
			png, err := qrcode.Encode(sess.ID, qrcode.Medium, qrSize)
			if err != nil {
				s.log.Error().Err(err).Msg("qr encode failed")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render QR code"})
				return
			}
			resp["qr_code"] = base64.StdEncoding.EncodeToString(png)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) currentSession(c *gin.Context) {
	sess, err := s.svc.CurrentSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"subject": "No active session", "session_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": sess.Subject, "session_id": sess.ID})
}

func (s *Server) currentSessionAdmin(c *gin.Context) {
	sess, err := s.svc.CurrentSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"session_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"subject":    sess.Subject,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
}

// ---------- Attendance ----------

type markRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) markAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	claims, _ := auth.Current(c)

	subject, err := s.svc.MarkAttendance(c.Request.Context(), claims.Subject, req.SessionID)
	switch {
	case errors.Is(err, attendance.ErrSessionExpired):
		marksTotal.WithLabelValues("expired").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session expired or invalid"})
	case errors.Is(err, attendance.ErrAlreadyMarked):
		marksTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "Attendance already marked for this session"})
	case errors.Is(err, attendance.ErrTimeout):
		marksTotal.WithLabelValues("timeout").Inc()
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Request timeout"})
	case err != nil:
		s.log.Error().Err(err).Str("student_id", claims.Subject).Msg("mark attendance failed")
		marksTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark attendance"})
	default:
		marksTotal.WithLabelValues("success").Inc()
		c.JSON(http.StatusOK, gin.H{"success": "Attendance marked for " + subject})
	}
}

func (s *Server) attendanceStats(c *gin.Context) {
	claims, _ := auth.Current(c)
	today, total, err := s.svc.Stats(c.Request.Context(), claims.Subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"today": today, "total": total})
}

// ---------- Admin data ----------

func (s *Server) allAttendance(c *gin.Context) {
	recs, err := s.svc.AllAttendance(c.Request.Context(), 1000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if recs == nil {
		recs = []attendance.JoinedRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"attendance": recs, "total_records": len(recs)})
}

func (s *Server) downloadData(c *gin.Context) {
	recs, err := s.svc.AllAttendance(c.Request.Context(), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if recs == nil {
		recs = []attendance.JoinedRecord{}
	}
	c.Header("Content-Disposition", "attachment; filename=attendance_data.json")
	c.JSON(http.StatusOK, gin.H{
		"college":         s.cfg.CollegeName,
		"exported_at":     time.Now().Format(time.RFC3339),
		"total_records":   len(recs),
		"attendance_data": recs,
	})
}

func (s *Server) adminStats(c *gin.Context) {
	stats, err := s.svc.AdminStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ---------- Operational ----------

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	dbHealthy := true
	if err := s.db.Client.PingContext(c.Request.Context()); err != nil {
		dbHealthy = false
		status = http.StatusServiceUnavailable
	}
	resp := gin.H{"status": "ok", "db": dbHealthy}
	if s.redis != nil {
		redisHealthy := s.redis.Healthy(c.Request.Context())
		resp["redis"] = redisHealthy
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
	}
	if status != http.StatusOK {
		resp["status"] = "degraded"
	}
	c.JSON(status, resp)
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
