// auth_handlers.go - Registration, login and two-factor endpoints.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dcss-portal/internal/apperr"
	"dcss-portal/internal/auth"
	"dcss-portal/internal/db"
)

type registerRequest struct {
	Name             string `json:"name" binding:"required"`
	Email            string `json:"email" binding:"required"`
	Password         string `json:"password" binding:"required"`
	Phone            string `json:"phone"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

type loginRequest struct {
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	RememberMe bool   `json:"remember_me"`
}

type resendRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type verifyRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Code        string `json:"code" binding:"required"`
	TrustDevice bool   `json:"trust_device"`
}

type sessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *auth.User `json:"user"`
}

type challengeResponse struct {
	RequiresTwoFactor bool      `json:"requires_two_factor"`
	UserID            string    `json:"user_id"`
	MaskedPhone       string    `json:"masked_phone"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type activityResponse struct {
	Entries []db.ActivityEntry `json:"entries"`
}

var errBadBody = apperr.New(apperr.Validation, "invalid request body")

// bindJSON decodes the body into dst, mapping any binding failure to a 400.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, apperr.Wrap(apperr.Validation, errBadBody.Msg, err))
		return false
	}
	return true
}

func (s *Server) device(c *gin.Context) auth.Device {
	return auth.Device{UserAgent: c.Request.UserAgent(), IP: c.ClientIP()}
}

func (s *Server) principal(c *gin.Context) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		writeError(c, auth.ErrUnauthorized)
	}
	return p, ok
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}
	u, err := s.deps.Accounts.Register(c.Request.Context(), auth.RegisterInput{
		Name:             strings.TrimSpace(req.Name),
		Email:            req.Email,
		Password:         req.Password,
		Phone:            strings.TrimSpace(req.Phone),
		TwoFactorEnabled: req.TwoFactorEnabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.deps.Accounts.Login(c.Request.Context(), req.Email, req.Password, req.RememberMe, s.device(c))
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeLoginResult(c, res)
}

func (s *Server) handleResendCode(c *gin.Context) {
	var req resendRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := s.deps.Accounts.ResendCode(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, challengeResponse{
		RequiresTwoFactor: true,
		UserID:            ch.UserID,
		MaskedPhone:       ch.MaskedPhone,
		ExpiresAt:         ch.ExpiresAt,
	})
}

func (s *Server) handleVerifyCode(c *gin.Context) {
	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.deps.Accounts.VerifyTwoFactor(c.Request.Context(), req.UserID, strings.TrimSpace(req.Code), req.TrustDevice, s.device(c))
	if err != nil {
		writeError(c, err)
		return
	}
	s.writeLoginResult(c, res)
}

func (s *Server) writeLoginResult(c *gin.Context, res auth.LoginResult) {
	if res.Challenge != nil {
		s.metrics.RecordLogin(true)
		c.JSON(http.StatusOK, challengeResponse{
			RequiresTwoFactor: true,
			UserID:            res.Challenge.UserID,
			MaskedPhone:       res.Challenge.MaskedPhone,
			ExpiresAt:         res.Challenge.ExpiresAt,
		})
		return
	}
	s.metrics.RecordLogin(false)
	c.JSON(http.StatusOK, sessionResponse{Token: res.Token, ExpiresAt: res.ExpiresAt, User: res.User})
}

// handleCurrentUser returns the account behind the bearer token.
func (s *Server) handleCurrentUser(c *gin.Context) {
	p, ok := s.principal(c)
	if !ok {
		return
	}
	u, err := s.deps.Accounts.CurrentUser(c.Request.Context(), p.UserID)
	if err != nil {
		// A token for a deleted account is just an invalid token.
		if apperr.KindOf(err) == apperr.NotFound {
			err = auth.ErrUnauthorized
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "user": u, "expires_at": p.ExpiresAt})
}

func (s *Server) handleActivity(c *gin.Context) {
	p, ok := s.principal(c)
	if !ok {
		return
	}
	entries, err := s.deps.Activity.Recent(c.Request.Context(), p.UserID, 20)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []db.ActivityEntry{}
	}
	c.JSON(http.StatusOK, activityResponse{Entries: entries})
}
