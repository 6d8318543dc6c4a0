package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

type ReferralHandler struct {
	referrals      ReferralService
	cookieName     string
	defaultLanding string
	secureCookie   bool
	logger         *zap.Logger
}

func NewReferralHandler(referrals ReferralService, cookieName, defaultLanding string, secureCookie bool, logger *zap.Logger) *ReferralHandler {
	if defaultLanding == "" {
		defaultLanding = "/"
	}
	return &ReferralHandler{
		referrals:      referrals,
		cookieName:     cookieName,
		defaultLanding: defaultLanding,
		secureCookie:   secureCookie,
		logger:         logger,
	}
}

func (h *ReferralHandler) CreateLink(c *gin.Context) {
	var req models.CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	link, err := h.referrals.CreateLink(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

// Redirect tracks a click on /r/:code, sets the tracking cookie and sends the
// visitor on to the landing page given in ?to= (local paths only).
func (h *ReferralHandler) Redirect(c *gin.Context) {
	landing := h.landingPage(c.Query("to"))
	result, err := h.referrals.CreateTrackingCookie(c.Request.Context(), c.Param("code"), models.ClickContext{
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		ReferrerURL: c.Request.Referer(),
		LandingPage: landing,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.setCookie(c, result.Record)
	c.Redirect(http.StatusFound, landing)
}

type trackBody struct {
	ReferralCode string `json:"referral_code" binding:"required"`
	LandingPage  string `json:"landing_page"`
	ReferrerURL  string `json:"referrer_url"`
}

// Track is the JSON variant of Redirect for clients that handle navigation
// themselves. Fraud details stay server side.
func (h *ReferralHandler) Track(c *gin.Context) {
	var body trackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "referral_code is required")
		return
	}
	referrer := body.ReferrerURL
	if referrer == "" {
		referrer = c.Request.Referer()
	}
	result, err := h.referrals.CreateTrackingCookie(c.Request.Context(), body.ReferralCode, models.ClickContext{
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		ReferrerURL: referrer,
		LandingPage: h.landingPage(body.LandingPage),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.setCookie(c, result.Record)
	c.JSON(http.StatusCreated, gin.H{
		"cookie_value": result.Record.CookieValue,
		"expires_at":   result.Record.ExpiresAt,
	})
}

func (h *ReferralHandler) GetStats(c *gin.Context) {
	stats, err := h.referrals.GetStats(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ReferralHandler) setCookie(c *gin.Context, rec *models.ReferralTrackingRecord) {
	maxAge := int(time.Until(rec.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, rec.CookieValue, maxAge, "/", "", h.secureCookie, true)
}

// landingPage accepts only local absolute paths so /r/:code cannot be used as an
// open redirect.
func (h *ReferralHandler) landingPage(to string) string {
	if !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") || strings.Contains(to, "\\") {
		return h.defaultLanding
	}
	return to
}
