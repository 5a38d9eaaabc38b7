package httpapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/internal/attribution"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

const (
	campaignReg = "reg"
	campaignDep = "dep"
)

// handlePostback ingests provider conversion callbacks. Providers deliver
// at least once; the attribution service makes the pipeline idempotent, so
// transient persistence errors are retried in place before asking the
// provider to redeliver.
func (s *Server) handlePostback(c *gin.Context) {
	field := func(name string) string {
		if v, ok := c.GetQuery(name); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(c.PostForm(name))
	}

	tenantID, err := strconv.ParseInt(field("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad tenant_id"})
		return
	}
	eventType := model.NormalizeEventType(field("event"))
	if !eventType.Known() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event"})
		return
	}
	clickID := field("click_id")
	if clickID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing click_id"})
		return
	}

	var amount int64
	if raw := field("sum"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad sum"})
			return
		}
		amount = int64(math.Round(f))
	}

	postbackID := field("postback_id")
	if postbackID == "" {
		// Some providers never send one; a derived key keeps identical
		// redeliveries deduplicated.
		postbackID = attribution.DerivePostbackID(eventType, clickID, amount)
	}

	in := attribution.PostbackInput{
		TenantID:   tenantID,
		PostbackID: postbackID,
		ClickID:    clickID,
		TraderID:   field("trader_id"),
		EventType:  eventType,
		Amount:     amount,
		Secret:     field("t"),
		RawQuery:   c.Request.URL.RawQuery,
	}

	var (
		res     attribution.Result
		lastErr error
	)
	for attempt := 0; attempt < s.postback.RetryBudget; attempt++ {
		res, lastErr = s.service.RecordPostback(c.Request.Context(), in)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
			return
		}
	}
	if lastErr != nil {
		logger.LogEvent(c.Request.Context(), logger.HTTP, slog.LevelError, "postback.persist.exhausted",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", tenantID),
			slog.Int("attempts", s.postback.RetryBudget),
			slog.String("err", lastErr.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	if res.Status == attribution.StatusAuthInvalid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_invalid"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"dup":        res.Duplicate,
		"attributed": res.Attributed,
	})
}

// handleRedirect issues a click token and bounces the visitor to the
// tenant's referral target with click_id appended.
func (s *Server) handleRedirect(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Param("tenant"), 10, 64)
	if err != nil || tenantID <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}
	campaign := c.Param("campaign")
	if campaign != campaignReg && campaign != campaignDep {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown campaign"})
		return
	}
	uid, err := strconv.ParseInt(c.Query("uid"), 10, 64)
	if err != nil || uid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad uid"})
		return
	}

	tenant, err := s.tenants.GetByID(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	target := tenant.RefLink
	if campaign == campaignDep && tenant.DepositLink != "" {
		target = tenant.DepositLink
	}
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant has no referral link"})
		return
	}

	clickID, err := s.service.IssueClick(c.Request.Context(), tenantID, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	dest, err := url.Parse(target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad referral link"})
		return
	}
	q := dest.Query()
	q.Set("click_id", clickID)
	dest.RawQuery = q.Encode()

	logger.LogEvent(c.Request.Context(), logger.HTTP, slog.LevelInfo, "redirect.issued",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", tenantID),
		slog.String("campaign", campaign),
		slog.String("click_id", clickID),
	)
	c.Redirect(http.StatusFound, dest.String())
}

// handleMiniappAccess gates the tenant's miniapp behind a completed funnel.
func (s *Server) handleMiniappAccess(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Query("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad tenant_id"})
		return
	}
	tgUserID, err := strconv.ParseInt(c.Query("tg_user_id"), 10, 64)
	if err != nil || tgUserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad tg_user_id"})
		return
	}

	user, err := s.endUsers.Get(c.Request.Context(), tenantID, tgUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusForbidden, gin.H{"allowed": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	if !user.Step.Unlocked() {
		c.JSON(http.StatusForbidden, gin.H{"allowed": false, "step": string(user.Step)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true})
}
